package efsvault

import (
	"os"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
)

// localFS is a minimal absfs.FileSystem rooted at a directory on the host
// filesystem. It is the production backend for OpenLocal; memfs.NewFS is
// the usual test backend.
type localFS struct {
	root string
}

// OpenLocal returns an absfs.FileSystem rooted at dir on the local
// filesystem, suitable for Init, Unlock, and every other operation in this
// package. It creates dir if it does not exist, but does not initialize a
// vault in it.
func OpenLocal(dir string) (absfs.FileSystem, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, newErr(IOFailure, "open-local", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, newErr(IOFailure, "open-local", dir, err)
	}
	return &localFS{root: abs}, nil
}

func (fs *localFS) join(name string) string {
	return filepath.Join(fs.root, filepath.FromSlash(name))
}

func (fs *localFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	path := fs.join(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

func (fs *localFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *localFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
}

func (fs *localFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.join(name), perm)
}

func (fs *localFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.join(name), perm)
}

func (fs *localFS) Remove(name string) error {
	return os.Remove(fs.join(name))
}

func (fs *localFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.join(path))
}

func (fs *localFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.join(oldpath), fs.join(newpath))
}

func (fs *localFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.join(name))
}

func (fs *localFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.join(name), mode)
}

func (fs *localFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.join(name), atime, mtime)
}

func (fs *localFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.join(name), uid, gid)
}

func (fs *localFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.join(name), size)
}

func (fs *localFS) Separator() uint8 {
	return os.PathSeparator
}

func (fs *localFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (fs *localFS) Chdir(dir string) error {
	return nil
}

func (fs *localFS) Getwd() (string, error) {
	return "/", nil
}

func (fs *localFS) TempDir() string {
	return os.TempDir()
}
