// Package efsvault implements an at-rest encrypted file vault: a local
// directory (a "repository") holding a single opaque binary catalog and a
// flat set of opaque per-file ciphertext blobs.
//
// # Overview
//
// A user-supplied passphrase unlocks the catalog, which lists the logical
// files stored in the vault (names, sizes, relative paths, per-file wrapped
// keys). The vault supports adding, listing, extracting, updating,
// renaming and removing files, and rotating the master key.
//
// The repository is addressed through an absfs.FileSystem, so a vault can
// live on the local disk, in memory (github.com/absfs/memfs, used
// throughout this package's tests), or on any other absfs-compatible
// backend.
//
// # Repository layout
//
//	<repo>/
//	  vault.enc           fixed 45-byte header + AEAD ciphertext
//	  blobs/
//	    <id>.bin          12-byte nonce || ciphertext || 16-byte tag
//	  vault.tmp           may appear transiently during an atomic swap
//
// # Basic usage
//
//	base, _ := efsvault.OpenLocal("/path/to/repo")
//	params := efsvault.DefaultKDFParams()
//	if err := efsvault.Init(base, "correct horse battery staple", params, false); err != nil {
//	    log.Fatal(err)
//	}
//
//	sess, err := efsvault.Unlock(base, "correct horse battery staple")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
//	entry, err := sess.Add(efsvault.AddInput{Name: "notes.txt", Data: []byte("hello")})
//	plaintext, err := sess.Extract(entry.ID)
//
// # Key hierarchy
//
// The master key is derived fresh on every unlock from the passphrase and
// the header's KDF parameters + salt; it is never persisted. Each file gets
// its own random 256-bit key, used to AEAD-encrypt that file's bytes; the
// per-file key itself is only ever stored wrapped (AEAD-encrypted) under
// the master key, inside the catalog entry.
//
// # Security considerations
//
// Protected against: unauthorized reading of the catalog or any blob
// without the passphrase, tampering with the catalog or a blob (AEAD
// authentication), offline brute-force of the passphrase (Argon2id).
//
// Not protected against: memory dumps while a session is unlocked,
// side-channel attacks, compromised hosts, concurrent access to the same
// repository from more than one process (no file locking is performed),
// or metadata leakage such as file sizes and entry counts.
package efsvault
