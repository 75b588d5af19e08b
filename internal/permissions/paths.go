package permissions

import (
	"path/filepath"
	"strings"
)

// ResolvePath returns the absolute, symlink-resolved form of path. All path
// comparisons in this package happen on resolved paths so that symlinked
// aliases cannot dodge a sandbox or a blocklist.
//
// Components that do not exist yet are kept verbatim: the deepest existing
// ancestor is resolved and the remainder re-attached, so write targets that
// will be created by the tool still compare correctly.
func ResolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	dir := abs
	rest := ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
	}
}

// isWithin reports whether path equals root or lies underneath it. Both
// arguments must already be resolved.
func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
