package fetch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxEntryBytes bounds the decompressed size of a single archive entry (512 MiB).
const maxEntryBytes = 512 << 20

type zipEntry struct {
	file *zip.File
	name string // cleaned, slash-separated
}

// Extract unpacks the zip at archivePath into scratchDir and returns the path
// of the archive's single top-level directory. Any previous content of
// scratchDir is removed first.
func Extract(archivePath, scratchDir string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %v", ErrExtraction, archivePath, err)
	}
	defer func() {
		_ = r.Close()
	}()

	entries, top, err := validateEntries(r.File)
	if err != nil {
		return "", err
	}

	if err := os.RemoveAll(scratchDir); err != nil {
		return "", fmt.Errorf("%w: clearing scratch directory: %v", ErrExtraction, err)
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating scratch directory: %v", ErrExtraction, err)
	}

	for _, e := range entries {
		target := filepath.Join(scratchDir, filepath.FromSlash(e.name))
		if e.file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", fmt.Errorf("%w: %v", ErrExtraction, err)
			}
			continue
		}
		if err := extractFile(e.file, target); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExtraction, e.name, err)
		}
	}

	root := filepath.Join(scratchDir, top)
	// Archives may omit explicit directory entries.
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return root, nil
}

// validateEntries rejects unsafe names and checks that every entry lives
// below one common top-level directory.
func validateEntries(files []*zip.File) ([]zipEntry, string, error) {
	entries := make([]zipEntry, 0, len(files))
	tops := make(map[string]bool)

	for _, f := range files {
		raw := strings.ReplaceAll(f.Name, `\`, "/")
		if path.IsAbs(raw) || filepath.IsAbs(f.Name) || filepath.VolumeName(f.Name) != "" {
			return nil, "", fmt.Errorf("%w: absolute entry path %q", ErrExtraction, f.Name)
		}
		name := path.Clean(raw)
		if name == "." {
			continue
		}
		if name == ".." || strings.HasPrefix(name, "../") {
			return nil, "", fmt.Errorf("%w: entry escapes archive root %q", ErrExtraction, f.Name)
		}

		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return nil, "", fmt.Errorf("%w: symlink entry %q", ErrExtraction, f.Name)
		}
		if !mode.IsRegular() && !mode.IsDir() {
			return nil, "", fmt.Errorf("%w: unsupported entry type %q", ErrExtraction, f.Name)
		}

		first, _, nested := strings.Cut(name, "/")
		if !nested && !f.FileInfo().IsDir() {
			return nil, "", fmt.Errorf("%w: file %q at archive root, expected a single top-level directory", ErrExtraction, f.Name)
		}
		tops[first] = true

		entries = append(entries, zipEntry{file: f, name: name})
	}

	if len(tops) != 1 {
		return nil, "", fmt.Errorf("%w: expected exactly one top-level directory, found %d", ErrExtraction, len(tops))
	}

	var top string
	for t := range tops {
		top = t
	}
	return entries, top, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	n, err := io.Copy(out, io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		_ = out.Close()
		return err
	}
	if n > maxEntryBytes {
		_ = out.Close()
		return fmt.Errorf("entry exceeds size limit")
	}
	return out.Close()
}
