package hostfuncs

import (
	"fmt"
	"os"
)

// MakeFileExecutable adds execute permission for user, group and other to
// path inside root.
func MakeFileExecutable(root *os.Root, path string) error {
	rel, err := LocalPath(path)
	if err != nil {
		return err
	}

	info, err := root.Stat(rel)
	if err != nil {
		return fmt.Errorf("make executable %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("make executable %s: is a directory", path)
	}

	if err := root.Chmod(rel, info.Mode().Perm()|0o111); err != nil {
		return fmt.Errorf("make executable %s: %w", path, err)
	}
	return nil
}
