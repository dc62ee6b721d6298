package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches dir and then each of its ancestors for a file with the
// given name, returning the full path or "" if it was not found.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}

// ReadUp locates name by searching up from the working directory and returns
// its contents.
func ReadUp(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	path := FindUp(name, wd)
	if path == "" {
		return "", fmt.Errorf("could not find %q in %q or any parent directory", name, wd)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	return string(b), nil
}
