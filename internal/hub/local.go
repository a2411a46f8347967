package hub

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// localSnapshot lists the files of a model directory already on disk.
func localSnapshot(dir string, patterns []string) (*Snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model directory %s is not a directory", dir)
	}

	var listed []File
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		listed = append(listed, File{Path: filepath.ToSlash(rel), Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	files := selectWeights(filterFiles(listed, patterns))
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, dir)
	}
	return &Snapshot{
		Dir:    dir,
		Source: SourceLocal,
		Repo:   dir,
		Files:  files,
		Cached: len(files),
	}, nil
}
