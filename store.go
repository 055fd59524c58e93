package efsvault

import (
	"io"
	"os"

	"github.com/absfs/absfs"
)

const (
	catalogFileName = "vault.enc"
	catalogTmpName  = "vault.tmp"
	blobsDir        = "blobs"
)

// ensureLayout creates the blobs/ subdirectory if it does not already
// exist. init is the only caller that needs the catalog file itself to not
// yet exist; this just guarantees the directory shape.
func ensureLayout(fs absfs.FileSystem) error {
	if err := fs.MkdirAll(blobsDir, 0o700); err != nil {
		return newErr(IOFailure, "ensure-layout", blobsDir, err)
	}
	return nil
}

func catalogExists(fs absfs.FileSystem) bool {
	_, err := fs.Stat(catalogFileName)
	return err == nil
}

// readCatalogFile reads and unpacks vault.enc.
func readCatalogFile(fs absfs.FileSystem) (catalogHeader, []byte, error) {
	f, err := fs.Open(catalogFileName)
	if err != nil {
		return catalogHeader{}, nil, newErr(IOFailure, "read-catalog", catalogFileName, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return catalogHeader{}, nil, newErr(IOFailure, "read-catalog", catalogFileName, err)
	}

	return unpackHeader(data)
}

// writeCatalogFile atomically replaces vault.enc: the new header +
// ciphertext are written to a sibling temp file, fsynced and closed, then
// renamed over the target. A reader never observes a partial file.
func writeCatalogFile(fs absfs.FileSystem, h catalogHeader, ciphertext []byte) error {
	data := packHeader(h, ciphertext)

	tmp, err := fs.OpenFile(catalogTmpName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return newErr(IOFailure, "write-catalog", catalogTmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return newErr(IOFailure, "write-catalog", catalogTmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return newErr(IOFailure, "write-catalog", catalogTmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return newErr(IOFailure, "write-catalog", catalogTmpName, err)
	}

	if err := fs.Rename(catalogTmpName, catalogFileName); err != nil {
		return newErr(IOFailure, "write-catalog", catalogFileName, err)
	}
	return nil
}

// readBlob reads the full nonce||ciphertext||tag contents of a blob file.
func readBlob(fs absfs.FileSystem, id string) ([]byte, error) {
	path := blobPath(id)
	f, err := fs.Open(path)
	if err != nil {
		return nil, newErr(IOFailure, "read-blob", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, newErr(IOFailure, "read-blob", path, err)
	}
	return data, nil
}

// writeBlob writes and fsyncs a blob file, replacing any existing file for
// id. Add and BulkAdd always pass a freshly generated id, so they never
// overwrite existing ciphertext; Update rewrites its entry's blob in place.
func writeBlob(fs absfs.FileSystem, id string, data []byte) error {
	path := blobPath(id)
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return newErr(IOFailure, "write-blob", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return newErr(IOFailure, "write-blob", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newErr(IOFailure, "write-blob", path, err)
	}
	if err := f.Close(); err != nil {
		return newErr(IOFailure, "write-blob", path, err)
	}
	return nil
}

// deleteBlob removes a blob file; a missing file is not an error.
func deleteBlob(fs absfs.FileSystem, id string) error {
	path := blobPath(id)
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return newErr(IOFailure, "delete-blob", path, err)
	}
	return nil
}

// listBlobIDs scans blobs/ and returns the id portion of every "<id>.bin"
// file found. Used by GC.
func listBlobIDs(fs absfs.FileSystem) ([]string, error) {
	dir, err := fs.Open(blobsDir)
	if err != nil {
		return nil, newErr(IOFailure, "list-blobs", blobsDir, err)
	}
	defer dir.Close()

	infos, err := dir.Readdir(-1)
	if err != nil {
		return nil, newErr(IOFailure, "list-blobs", blobsDir, err)
	}

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		const suffix = ".bin"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	return ids, nil
}
