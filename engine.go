package efsvault

import (
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// timeNowUTC returns the current time as a second-precision UTC time, per
// the catalog's timestamp invariant.
func timeNowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func isoUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// Init creates repo_dir's layout (if absent) and an empty, encrypted
// catalog under the given passphrase and KDF parameters. It fails with
// AlreadyExists if a catalog is already present and overwrite is false.
func Init(fs absfs.FileSystem, passphrase string, params KDFParams, overwrite bool) error {
	if err := params.validate(); err != nil {
		return err
	}
	if catalogExists(fs) && !overwrite {
		return newErr(AlreadyExists, "init", catalogFileName, nil)
	}
	if err := ensureLayout(fs); err != nil {
		return err
	}

	salt, err := randomBytes(saltSize)
	if err != nil {
		return newErr(IOFailure, "init", "", err)
	}
	master := deriveMasterKey(passphrase, salt, params)
	defer zero(master)

	cat := newCatalog()
	plaintext, err := cat.toBytes()
	if err != nil {
		return err
	}
	nonce, ciphertext, err := aeadEncrypt(master, plaintext)
	if err != nil {
		return newErr(IOFailure, "init", "", err)
	}

	h := catalogHeader{Version: headerVersion, Params: params, Salt: salt, Nonce: nonce}
	return writeCatalogFile(fs, h, ciphertext)
}

// unlockState is the full result of an unlock: the decrypted catalog, the
// derived master key, and the header's KDF parameters + salt so a caller
// can re-encrypt without a second Argon2id pass.
type unlockState struct {
	catalog    *Catalog
	master     []byte
	params     KDFParams
	salt       []byte
	passphrase string
}

func unlockRepo(fs absfs.FileSystem, passphrase string) (*unlockState, error) {
	h, ciphertext, err := readCatalogFile(fs)
	if err != nil {
		return nil, err
	}
	if err := h.Params.validate(); err != nil {
		return nil, err
	}

	master := deriveMasterKey(passphrase, h.Salt, h.Params)
	plaintext, err := aeadDecrypt(master, h.Nonce, ciphertext, "unlock")
	if err != nil {
		zero(master)
		return nil, err
	}

	cat, err := catalogFromBytes(plaintext)
	if err != nil {
		zero(master)
		return nil, err
	}

	return &unlockState{catalog: cat, master: master, params: h.Params, salt: h.Salt, passphrase: passphrase}, nil
}

// persist re-encrypts the current catalog under a fresh nonce (the same
// master key and salt) and atomically rewrites vault.enc.
func (s *unlockState) persist(fs absfs.FileSystem) error {
	plaintext, err := s.catalog.toBytes()
	if err != nil {
		return err
	}
	nonce, ciphertext, err := aeadEncrypt(s.master, plaintext)
	if err != nil {
		return newErr(IOFailure, "persist", "", err)
	}
	h := catalogHeader{Version: headerVersion, Params: s.params, Salt: s.salt, Nonce: nonce}
	return writeCatalogFile(fs, h, ciphertext)
}

// Unlock reads and decrypts repo's catalog under passphrase, returning a
// Session that caches the master key and catalog for further operations.
// Fails with AuthenticationFailure on a wrong passphrase or tampered
// ciphertext (indistinguishable), and with BadMagic/UnsupportedVersion/
// CorruptVault/CorruptCatalog for malformed input.
func Unlock(fs absfs.FileSystem, passphrase string) (*Session, error) {
	st, err := unlockRepo(fs, passphrase)
	if err != nil {
		return nil, err
	}
	return &Session{fs: fs, state: st}, nil
}

// AddInput describes a file to add to the vault.
type AddInput struct {
	// Name is the display name; if RelPath is empty, it also becomes the
	// catalog relpath.
	Name string
	// RelPath is the logical path within the vault, "/"-separated,
	// relative (no leading separator, no ".." components). Defaults to
	// Name.
	RelPath string
	// Data is the plaintext content.
	Data []byte
	// MimeType is an optional hint; never populated automatically.
	MimeType *string
	// CreatedAt/ModifiedAt default to the current UTC time if zero.
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (in AddInput) relPath() (string, error) {
	rp := in.RelPath
	if rp == "" {
		rp = in.Name
	}
	if err := validateRelPath(rp); err != nil {
		return "", err
	}
	return rp, nil
}

// encryptForAdd generates a fresh id and per-file key, encrypts in.Data,
// and returns the blob bytes plus the catalog entry to append/replace.
// Shared by Add and BulkAdd so both paths build entries identically.
func encryptForAdd(master []byte, in AddInput) (id string, blobData []byte, entry FileEntry, err error) {
	rel, err := in.relPath()
	if err != nil {
		return "", nil, FileEntry{}, err
	}

	fileKey, err := generateFileKey()
	if err != nil {
		return "", nil, FileEntry{}, newErr(IOFailure, "add", "", err)
	}
	defer zero(fileKey)

	nonce, ciphertext, err := aeadEncrypt(fileKey, in.Data)
	if err != nil {
		return "", nil, FileEntry{}, newErr(IOFailure, "add", "", err)
	}
	blobData = append(append([]byte{}, nonce...), ciphertext...)

	wrap, err := wrapKey(master, fileKey)
	if err != nil {
		return "", nil, FileEntry{}, err
	}

	id = uuid.NewString()

	created := in.CreatedAt
	if created.IsZero() {
		created = timeNowUTC()
	}
	modified := in.ModifiedAt
	if modified.IsZero() {
		modified = timeNowUTC()
	}

	entry = FileEntry{
		ID:          id,
		Name:        in.Name,
		RelPath:     rel,
		Blob:        blobPath(id),
		Size:        int64(len(in.Data)),
		CreatedAt:   isoUTC(created),
		ModifiedAt:  isoUTC(modified),
		MimeType:    in.MimeType,
		FileKeyWrap: wrap,
	}
	return id, blobData, entry, nil
}

// Add unlocks repo, encrypts in.Data under a fresh per-file key, writes the
// blob, appends the catalog entry, and atomically persists the catalog.
// The blob is durable on disk before this returns success.
func Add(fs absfs.FileSystem, passphrase string, in AddInput) (FileEntry, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return FileEntry{}, err
	}
	defer sess.Close()
	return sess.Add(in)
}

// Extract unlocks repo, locates id, unwraps its per-file key, decrypts its
// blob, and returns the plaintext. The catalog is not modified.
func Extract(fs absfs.FileSystem, passphrase, id string) ([]byte, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.Extract(id)
}

// Update unlocks repo, locates id, encrypts newData under a fresh per-file
// key and nonce, overwrites the blob, updates size and the key wrap, and
// atomically persists the catalog. CreatedAt is preserved.
func Update(fs absfs.FileSystem, passphrase, id string, newData []byte) (FileEntry, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return FileEntry{}, err
	}
	defer sess.Close()
	return sess.Update(id, newData)
}

// Rename unlocks repo, locates id, changes its display name, and
// atomically persists the catalog. The blob is untouched.
func Rename(fs absfs.FileSystem, passphrase, id, newName string) (FileEntry, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return FileEntry{}, err
	}
	defer sess.Close()
	return sess.Rename(id, newName)
}

// Remove unlocks repo, drops id's catalog entry, atomically persists the
// catalog, and then deletes id's blob (absence is not an error).
func Remove(fs absfs.FileSystem, passphrase, id string) error {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Remove(id)
}

// RotateOptions controls RotateMaster. A nil NewPassphrase reuses the
// current one; a nil NewParams reuses the current KDF parameters. Either
// way a fresh salt is always drawn.
type RotateOptions struct {
	NewPassphrase *string
	NewParams     *KDFParams
}

// RotateMaster unlocks repo under passphrase, derives a new master key
// (fresh salt, and either the provided new passphrase/params or the
// current ones), unwraps and rewraps every per-file key under the new
// master, and atomically persists the catalog. Blob files are untouched;
// on failure the old catalog remains in place (the rename is atomic).
func RotateMaster(fs absfs.FileSystem, passphrase string, opts RotateOptions) error {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.RotateMaster(opts)
}

// GC scans blobs/ for ciphertext files with no matching catalog entry and
// returns their ids. It never deletes anything; callers decide whether to
// act on the result.
func GC(fs absfs.FileSystem, passphrase string) ([]string, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	ids, err := listBlobIDs(fs)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{}, len(sess.state.catalog.Files))
	for _, f := range sess.state.catalog.Files {
		referenced[f.ID] = struct{}{}
	}

	var orphans []string
	for _, id := range ids {
		if _, ok := referenced[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// VerifyAll attempts to extract every catalog entry, returning the ids that
// failed (corrupt blob, missing blob, or wrap that no longer unwraps).
func VerifyAll(fs absfs.FileSystem, passphrase string) ([]string, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var failed []string
	for _, f := range sess.state.catalog.Files {
		if _, err := sess.Extract(f.ID); err != nil {
			failed = append(failed, f.ID)
		}
	}
	return failed, nil
}
