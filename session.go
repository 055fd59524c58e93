package efsvault

import (
	"log/slog"
	"os"

	"github.com/absfs/absfs"
)

// Session is an unlocked vault: the decrypted catalog and the derived
// master key held in memory for the lifetime of a multi-operation
// workflow. Callers doing a single operation can use the package-level
// Add/Extract/Update/Rename/Remove/RotateMaster functions instead, which
// open and Close a Session internally.
//
// A Session is not safe for concurrent use; BulkAdd and BulkRemove
// serialize their own catalog mutations internally and are the
// recommended entry point for concurrent blob I/O.
type Session struct {
	fs     absfs.FileSystem
	state  *unlockState
	log    *slog.Logger
	closed bool
}

// WithLogger attaches a structured logger to the session; operations log
// at Debug on success and Warn on failure, never including passphrases or
// key material.
func (s *Session) WithLogger(log *slog.Logger) *Session {
	s.log = log
	return s
}

func (s *Session) logger() *slog.Logger {
	if s.log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.log
}

// Close zeroes the cached master key. A Session must not be used after
// Close.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	zero(s.state.master)
	s.closed = true
	return nil
}

// List returns a snapshot of the catalog's file entries in catalog order.
func (s *Session) List() []FileEntry {
	out := make([]FileEntry, len(s.state.catalog.Files))
	copy(out, s.state.catalog.Files)
	return out
}

// Get returns the catalog entry for id without touching its blob.
func (s *Session) Get(id string) (FileEntry, error) {
	e, err := s.state.catalog.get(id)
	if err != nil {
		return FileEntry{}, err
	}
	return *e, nil
}

// Add encrypts in.Data under a fresh per-file key, writes the blob, appends
// the catalog entry, and atomically persists the catalog.
func (s *Session) Add(in AddInput) (FileEntry, error) {
	log := s.logger()
	id, blobData, entry, err := encryptForAdd(s.state.master, in)
	if err != nil {
		log.Warn("add failed", "name", in.Name, "err", err)
		return FileEntry{}, err
	}

	if err := writeBlob(s.fs, id, blobData); err != nil {
		log.Warn("add failed writing blob", "id", id, "err", err)
		return FileEntry{}, err
	}

	s.state.catalog.Files = append(s.state.catalog.Files, entry)
	if err := s.state.persist(s.fs); err != nil {
		// Roll the in-memory catalog back so a caller that retries sees a
		// consistent view; the blob orphan left behind is reclaimable by GC.
		s.state.catalog.Files = s.state.catalog.Files[:len(s.state.catalog.Files)-1]
		log.Warn("add failed persisting catalog", "id", id, "err", err)
		return FileEntry{}, err
	}

	log.Debug("added file", "id", id, "relpath", entry.RelPath, "size", entry.Size)
	return entry, nil
}

// Extract locates id, unwraps its per-file key, decrypts its blob, and
// returns the plaintext.
func (s *Session) Extract(id string) ([]byte, error) {
	log := s.logger()
	entry, err := s.state.catalog.get(id)
	if err != nil {
		log.Warn("extract failed", "id", id, "err", err)
		return nil, err
	}

	fileKey, err := unwrapKey(s.state.master, entry.FileKeyWrap)
	if err != nil {
		log.Warn("extract failed unwrapping key", "id", id, "err", err)
		return nil, err
	}
	defer zero(fileKey)

	blobData, err := readBlob(s.fs, id)
	if err != nil {
		log.Warn("extract failed reading blob", "id", id, "err", err)
		return nil, err
	}
	if len(blobData) < nonceSize+tagSize {
		err := newErr(CorruptBlob, "extract", entry.Blob, nil)
		log.Warn("extract failed", "id", id, "err", err)
		return nil, err
	}
	nonce, ciphertext := blobData[:nonceSize], blobData[nonceSize:]

	plaintext, err := aeadDecrypt(fileKey, nonce, ciphertext, "extract")
	if err != nil {
		// A blob AEAD failure is reported as CorruptBlob rather than
		// AuthenticationFailure: the master key and wrap already verified,
		// so the tag mismatch means the blob itself was altered.
		err = newErr(CorruptBlob, "extract", entry.Blob, err)
		log.Warn("extract failed", "id", id, "err", err)
		return nil, err
	}

	log.Debug("extracted file", "id", id, "size", len(plaintext))
	return plaintext, nil
}

// ExtractTo extracts id's plaintext and writes it to path on dest.
func (s *Session) ExtractTo(dest absfs.FileSystem, id, path string) error {
	data, err := s.Extract(id)
	if err != nil {
		return err
	}
	f, err := dest.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return newErr(IOFailure, "extract-to", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return newErr(IOFailure, "extract-to", path, err)
	}
	return f.Close()
}

// Update re-encrypts id under a fresh per-file key and nonce, overwrites
// its blob, updates Size and ModifiedAt, and atomically persists the
// catalog. CreatedAt is preserved.
func (s *Session) Update(id string, newData []byte) (FileEntry, error) {
	log := s.logger()
	idx := s.state.catalog.find(id)
	if idx < 0 {
		err := newErr(NotFound, "update", id, nil)
		log.Warn("update failed", "id", id, "err", err)
		return FileEntry{}, err
	}
	old := s.state.catalog.Files[idx]

	fileKey, err := generateFileKey()
	if err != nil {
		return FileEntry{}, newErr(IOFailure, "update", id, err)
	}
	defer zero(fileKey)

	nonce, ciphertext, err := aeadEncrypt(fileKey, newData)
	if err != nil {
		return FileEntry{}, newErr(IOFailure, "update", id, err)
	}
	blobData := append(append([]byte{}, nonce...), ciphertext...)

	wrap, err := wrapKey(s.state.master, fileKey)
	if err != nil {
		return FileEntry{}, err
	}

	if err := writeBlob(s.fs, id, blobData); err != nil {
		log.Warn("update failed writing blob", "id", id, "err", err)
		return FileEntry{}, err
	}

	updated := old
	updated.Size = int64(len(newData))
	updated.ModifiedAt = isoUTC(timeNowUTC())
	updated.FileKeyWrap = wrap

	s.state.catalog.Files[idx] = updated
	if err := s.state.persist(s.fs); err != nil {
		s.state.catalog.Files[idx] = old
		log.Warn("update failed persisting catalog", "id", id, "err", err)
		return FileEntry{}, err
	}

	log.Debug("updated file", "id", id, "size", updated.Size)
	return updated, nil
}

// Rename changes id's display Name, leaving RelPath and the blob
// untouched, and atomically persists the catalog.
func (s *Session) Rename(id, newName string) (FileEntry, error) {
	log := s.logger()
	idx := s.state.catalog.find(id)
	if idx < 0 {
		err := newErr(NotFound, "rename", id, nil)
		log.Warn("rename failed", "id", id, "err", err)
		return FileEntry{}, err
	}

	old := s.state.catalog.Files[idx]
	s.state.catalog.Files[idx].Name = newName
	if err := s.state.persist(s.fs); err != nil {
		s.state.catalog.Files[idx] = old
		log.Warn("rename failed persisting catalog", "id", id, "err", err)
		return FileEntry{}, err
	}

	log.Debug("renamed file", "id", id, "name", newName)
	return s.state.catalog.Files[idx], nil
}

// Remove drops id's catalog entry, atomically persists the catalog, and
// then deletes id's blob (a missing blob is not an error).
func (s *Session) Remove(id string) error {
	log := s.logger()
	idx := s.state.catalog.find(id)
	if idx < 0 {
		err := newErr(NotFound, "remove", id, nil)
		log.Warn("remove failed", "id", id, "err", err)
		return err
	}

	removed := s.state.catalog.Files[idx]
	rest := make([]FileEntry, 0, len(s.state.catalog.Files)-1)
	rest = append(rest, s.state.catalog.Files[:idx]...)
	rest = append(rest, s.state.catalog.Files[idx+1:]...)
	s.state.catalog.Files = rest

	if err := s.state.persist(s.fs); err != nil {
		s.state.catalog.Files = append(s.state.catalog.Files, FileEntry{})
		copy(s.state.catalog.Files[idx+1:], s.state.catalog.Files[idx:len(s.state.catalog.Files)-1])
		s.state.catalog.Files[idx] = removed
		log.Warn("remove failed persisting catalog", "id", id, "err", err)
		return err
	}

	if err := deleteBlob(s.fs, id); err != nil {
		log.Warn("remove left orphan blob", "id", id, "err", err)
		return err
	}

	log.Debug("removed file", "id", id)
	return nil
}

// RotateMaster derives a new master key under a fresh salt (and, if
// provided, a new passphrase and/or KDF parameters), unwraps and rewraps
// every per-file key wrap under the new master, and atomically persists
// the catalog. Blob files are untouched. On any failure the session's
// in-memory state is left unchanged and the on-disk catalog still reflects
// the old master key, since the rename in persist is atomic.
func (s *Session) RotateMaster(opts RotateOptions) error {
	log := s.logger()

	params := s.state.params
	if opts.NewParams != nil {
		params = *opts.NewParams
	}
	if err := params.validate(); err != nil {
		return err
	}

	newSalt, err := randomBytes(saltSize)
	if err != nil {
		return newErr(IOFailure, "rotate-master", "", err)
	}

	passphrase := s.state.passphrase
	if opts.NewPassphrase != nil {
		passphrase = *opts.NewPassphrase
	}
	newMaster := deriveMasterKey(passphrase, newSalt, params)

	rewrapped := make([]FileEntry, len(s.state.catalog.Files))
	for i, f := range s.state.catalog.Files {
		fileKey, err := unwrapKey(s.state.master, f.FileKeyWrap)
		if err != nil {
			zero(newMaster)
			log.Warn("rotate-master failed unwrapping", "id", f.ID, "err", err)
			return err
		}
		wrap, err := wrapKey(newMaster, fileKey)
		zero(fileKey)
		if err != nil {
			zero(newMaster)
			return err
		}
		f.FileKeyWrap = wrap
		rewrapped[i] = f
	}

	oldMaster, oldSalt, oldParams, oldPassphrase := s.state.master, s.state.salt, s.state.params, s.state.passphrase
	oldFiles := s.state.catalog.Files

	s.state.master = newMaster
	s.state.salt = newSalt
	s.state.params = params
	s.state.passphrase = passphrase
	s.state.catalog.Files = rewrapped

	if err := s.state.persist(s.fs); err != nil {
		zero(s.state.master)
		s.state.master, s.state.salt, s.state.params, s.state.passphrase = oldMaster, oldSalt, oldParams, oldPassphrase
		s.state.catalog.Files = oldFiles
		log.Warn("rotate-master failed persisting catalog", "err", err)
		return err
	}

	zero(oldMaster)
	log.Debug("rotated master key", "files", len(rewrapped))
	return nil
}
