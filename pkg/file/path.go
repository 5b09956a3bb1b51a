package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path's base name for ext. A leading dot
// on ext is optional. Dot files such as ".env" are treated as having no
// extension.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	base := filepath.Base(path)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return filepath.Join(filepath.Dir(path), base+ext)
}

// IsHidden reports whether a base name is a dot file.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
