package engine

import (
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
)

// DefaultProjectExtensions are the project file extensions recognized by default.
var DefaultProjectExtensions = []string{".csproj", ".vbproj"}

// Scan returns a lazy sequence of the project files under root whose
// extension is in exts (case-insensitive). Each range over the sequence walks the
// tree again. A filesystem error is yielded once and ends the walk.
func Scan(root string, exts []string) iter.Seq2[ProjectFileCandidate, error] {
	if len(exts) == 0 {
		exts = DefaultProjectExtensions
	}
	return func(yield func(ProjectFileCandidate, error) bool) {
		abs, err := filepath.Abs(root)
		if err != nil {
			yield(ProjectFileCandidate{}, fmt.Errorf("resolving root %s: %w", root, err))
			return
		}

		stopped := false
		walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !hasExtension(path, exts) {
				return nil
			}
			if !yield(NewProjectFileCandidate(path), nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(ProjectFileCandidate{}, fmt.Errorf("scanning %s: %w", abs, walkErr))
		}
	}
}

// CollectProjectFiles drains Scan into a slice.
func CollectProjectFiles(root string, exts []string) ([]ProjectFileCandidate, error) {
	var out []ProjectFileCandidate
	for c, err := range Scan(root, exts) {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func hasExtension(path string, exts []string) bool {
	ext := filepath.Ext(path)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
