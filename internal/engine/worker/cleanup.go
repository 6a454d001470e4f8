package worker

import (
	"io/fs"
	"os"
	"path/filepath"
)

// readOnlyDirPerm lets the process traverse its sandbox but not create files.
const readOnlyDirPerm = 0o555

// writableDirPerm restores write access before removal.
const writableDirPerm = 0o755

// setTreeMode sets the mode of every directory below root, root included.
// Symlinks are not followed.
func setTreeMode(root string, mode os.FileMode) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := os.Chmod(dir, mode); err != nil {
			return err
		}
	}
	return nil
}

// removeSandbox deletes a group directory, including read-only boxes.
func removeSandbox(dir string) error {
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := setTreeMode(dir, writableDirPerm); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
