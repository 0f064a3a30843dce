// Package ingest gathers local documents into a batch.
package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

// Skipped records a file that matched but could not be read.
type Skipped struct {
	Path string
	Err  string
}

type DirStats struct {
	Scanned uint32
	Matched uint32
	Read    uint32
	Failed  uint32
}

// Directory walks root and loads every allowed document into memory,
// ordered by path. Unreadable files are reported, not fatal. Filenames are
// the paths relative to root with separators flattened to "_", so documents
// in different subdirectories do not collide.
func Directory(root string, skipHidden bool) ([]entity.Document, []Skipped, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, nil, DirStats{}, errors.New("root path is required")
	}

	var (
		docs    []entity.Document
		skipped []Skipped
		stats   DirStats
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			skipped = append(skipped, Skipped{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if path != root && skipHidden && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		stats.Scanned++
		if !constants.IsAllowedDocument(path) {
			return nil
		}
		stats.Matched++

		content, err := os.ReadFile(path)
		if err != nil {
			skipped = append(skipped, Skipped{Path: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		docs = append(docs, entity.Document{Filename: strings.ReplaceAll(filepath.ToSlash(rel), "/", "_"), Content: content})
		stats.Read++
		return nil
	})
	if err != nil {
		return nil, nil, stats, fmt.Errorf("walk %s: %w", root, err)
	}
	return docs, skipped, stats, nil
}

// Files loads the given paths as documents named by their base name.
func Files(paths []string) ([]entity.Document, error) {
	docs := make([]entity.Document, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		docs = append(docs, entity.Document{Filename: filepath.Base(p), Content: content})
	}
	return docs, nil
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}
