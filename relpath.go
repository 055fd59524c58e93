package efsvault

import (
	"errors"
	"strings"
)

var (
	errRelPathEmpty    = errors.New("relpath cannot be empty")
	errRelPathAbsolute = errors.New("relpath cannot be absolute")
	errRelPathDotDot   = errors.New("relpath cannot contain \".\" or \"..\" components")
)

// validateRelPath checks that rel is usable as a catalog relpath: non-empty,
// "/"-separated, relative, and free of "." and ".." components. It does not
// touch the filesystem; relpath is a logical label, never a path the engine
// opens directly.
func validateRelPath(rel string) error {
	if rel == "" {
		return newErr(CorruptCatalog, "validate-relpath", rel, errRelPathEmpty)
	}
	if strings.HasPrefix(rel, "/") {
		return newErr(CorruptCatalog, "validate-relpath", rel, errRelPathAbsolute)
	}
	// Checked on the raw components, not path.Clean(rel): cleaning
	// collapses an interior ".." (e.g. "a/../b" -> "b") before the check
	// ever sees it, which would let a ".." component slip into the
	// persisted relpath unchanged.
	for _, part := range strings.Split(rel, "/") {
		if part == ".." || part == "." {
			return newErr(CorruptCatalog, "validate-relpath", rel, errRelPathDotDot)
		}
	}
	return nil
}
