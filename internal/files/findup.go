// Package files has filesystem lookup helpers.
package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir toward the filesystem root looking for an entry
// with the given name, returning its path or "" if no directory on the way
// up contains it.
func FindUp(name, dir string) string {
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
