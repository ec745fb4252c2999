//go:build windows

package fsutil

import (
	"os"
)

// writeFileAtomic writes data to a file atomically.
// renameio does not support Windows, so a plain write-rename is used.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return err
	}
	return nil
}
