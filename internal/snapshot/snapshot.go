// Package snapshot builds flat path-to-metadata maps of directory trees.
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrScan indicates a tree could not be enumerated completely.
var ErrScan = errors.New("directory scan failed")

// FileRecord describes one regular file found during a scan.
type FileRecord struct {
	RelativePath string // slash-separated, relative to the scan root
	AbsolutePath string
	Size         int64
	ModTime      time.Time
	Mode         fs.FileMode
	Extension    string // lowercased, including the dot
}

// Snapshot maps relative paths to file records.
type Snapshot map[string]FileRecord

// Paths returns the snapshot's relative paths in sorted order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Scan records every regular file beneath root. Symlinks and special files
// are treated as absent. Either the whole tree is scanned or ErrScan is returned.
func Scan(root string) (Snapshot, error) {
	snap, _, err := ScanWithSkipped(root)
	return snap, err
}

// ScanWithSkipped is Scan that also reports the relative paths of entries it
// skipped because they were neither regular files nor directories.
func ScanWithSkipped(root string) (Snapshot, []string, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrScan, root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrScan, root, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is not a directory", ErrScan, root)
	}

	snap := make(Snapshot)
	var skipped []string

	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == resolved {
			return nil
		}

		rel, err := filepath.Rel(resolved, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			skipped = append(skipped, rel)
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		snap[rel] = FileRecord{
			RelativePath: rel,
			AbsolutePath: path,
			Size:         fi.Size(),
			ModTime:      fi.ModTime(),
			Mode:         fi.Mode(),
			Extension:    strings.ToLower(filepath.Ext(path)),
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrScan, root, err)
	}

	return snap, skipped, nil
}
