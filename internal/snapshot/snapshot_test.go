package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/schaermu/relaunchd/internal/testutil"
)

func TestScan(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"index.js":              "main",
		"README.MD":             "docs",
		"lib/util.js":           "util",
		"lib/deep/inner.json":   "{}",
		".hidden/config":        "hidden files are included",
		"node_modules/x/pkg.js": "dep",
	})
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	snap, err := Scan(root)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	want := []string{
		".hidden/config",
		"README.MD",
		"index.js",
		"lib/deep/inner.json",
		"lib/util.js",
		"node_modules/x/pkg.js",
	}
	if got := snap.Paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("Paths() = %v, want %v", got, want)
	}

	rec := snap["lib/util.js"]
	if rec.Size != int64(len("util")) {
		t.Errorf("Size = %d", rec.Size)
	}
	if rec.Extension != ".js" {
		t.Errorf("Extension = %q", rec.Extension)
	}
	if rec.ModTime.IsZero() {
		t.Error("ModTime not recorded")
	}
	if filepath.Base(rec.AbsolutePath) != "util.js" || !filepath.IsAbs(rec.AbsolutePath) {
		t.Errorf("AbsolutePath = %s", rec.AbsolutePath)
	}
	if snap["README.MD"].Extension != ".md" {
		t.Errorf("extension not lowercased: %q", snap["README.MD"].Extension)
	}
}

func TestScan_SkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"real.js": "x"})
	if err := os.Symlink(filepath.Join(root, "real.js"), filepath.Join(root, "link.js")); err != nil {
		t.Fatal(err)
	}

	snap, skipped, err := ScanWithSkipped(root)
	if err != nil {
		t.Fatalf("ScanWithSkipped() error: %v", err)
	}
	if _, ok := snap["link.js"]; ok {
		t.Error("symlink recorded as file")
	}
	if !reflect.DeepEqual(skipped, []string{"link.js"}) {
		t.Errorf("skipped = %v", skipped)
	}
}

func TestScan_SymlinkedRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	dir := t.TempDir()
	target := filepath.Join(dir, "bot-v1")
	testutil.WriteTree(t, target, map[string]string{"index.js": "x"})
	link := filepath.Join(dir, "current")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	snap, err := Scan(link)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if _, ok := snap["index.js"]; !ok {
		t.Errorf("expected index.js through symlinked root, got %v", snap.Paths())
	}
}

func TestScan_Errors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, root := range []string{filepath.Join(dir, "missing"), file} {
		snap, err := Scan(root)
		if !errors.Is(err, ErrScan) {
			t.Errorf("Scan(%s) error = %v, want ErrScan", root, err)
		}
		if snap != nil {
			t.Errorf("Scan(%s) returned a partial snapshot", root)
		}
	}
}

func TestScan_UnreadableSubdir(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("permission checks are not enforced")
	}

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"ok.js": "x", "locked/secret.js": "y"})
	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	snap, err := Scan(root)
	if !errors.Is(err, ErrScan) {
		t.Errorf("expected ErrScan, got %v", err)
	}
	if snap != nil {
		t.Error("partial snapshot returned")
	}
}
