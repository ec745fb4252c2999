//go:build !windows

package fsutil

import (
	"os"

	"github.com/google/renameio/v2"
)

// writeFileAtomic writes data through renameio: temp file, fsync, rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
