package efsvault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// KeyWrap is an AEAD wrapping of a 32-byte per-file key under the master
// key: Nonce and CT are base64-encoded binary.
type KeyWrap struct {
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
}

func wrapKey(master, fileKey []byte) (KeyWrap, error) {
	nonce, ct, err := aeadEncrypt(master, fileKey)
	if err != nil {
		return KeyWrap{}, newErr(IOFailure, "wrap-key", "", err)
	}
	return KeyWrap{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		CT:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func unwrapKey(master []byte, w KeyWrap) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return nil, newErr(CorruptCatalog, "unwrap-key", "", err)
	}
	ct, err := base64.StdEncoding.DecodeString(w.CT)
	if err != nil {
		return nil, newErr(CorruptCatalog, "unwrap-key", "", err)
	}
	return aeadDecrypt(master, nonce, ct, "unwrap-key")
}

// FileEntry is one logical file listed in the catalog.
type FileEntry struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	RelPath     string  `json:"relpath"`
	Blob        string  `json:"blob"`
	Size        int64   `json:"size"`
	CreatedAt   string  `json:"created_at"`
	ModifiedAt  string  `json:"modified_at"`
	MimeType    *string `json:"mimetype,omitempty"`
	FileKeyWrap KeyWrap `json:"file_key_wrap"`
}

// Catalog is the decrypted, in-memory inner catalog: a schema version and
// an ordered sequence of file entries.
type Catalog struct {
	Version int         `json:"version"`
	Files   []FileEntry `json:"files"`
}

// newCatalog returns an empty catalog at the current schema version.
func newCatalog() *Catalog {
	return &Catalog{Version: 1, Files: []FileEntry{}}
}

// find returns the index of the entry with the given id, or -1.
func (c *Catalog) find(id string) int {
	for i := range c.Files {
		if c.Files[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Catalog) get(id string) (*FileEntry, error) {
	i := c.find(id)
	if i < 0 {
		return nil, newErr(NotFound, "lookup", id, nil)
	}
	return &c.Files[i], nil
}

// toBytes serializes the catalog as compact, deterministic JSON. Struct
// field order (not map iteration) gives the stable key order the on-disk
// format requires.
func (c *Catalog) toBytes() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, newErr(IOFailure, "marshal-catalog", "", err)
	}
	return b, nil
}

// catalogFromBytes deserializes and validates an inner catalog, rejecting
// duplicate ids as CorruptCatalog.
func catalogFromBytes(b []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, newErr(CorruptCatalog, "unmarshal-catalog", "", err)
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Files == nil {
		c.Files = []FileEntry{}
	}

	seen := make(map[string]struct{}, len(c.Files))
	for _, f := range c.Files {
		if _, dup := seen[f.ID]; dup {
			return nil, newErr(CorruptCatalog, "unmarshal-catalog", f.ID,
				fmt.Errorf("duplicate file id"))
		}
		seen[f.ID] = struct{}{}
	}

	return &c, nil
}

func blobPath(id string) string {
	return "blobs/" + id + ".bin"
}
