package testutil

import (
	"archive/zip"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}
	if root == "" {
		t.Fatal("FindProjectRoot returned empty string")
	}

	goMod := filepath.Join(root, "go.mod")
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
}

func TestWriteAndReadTree(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"index.js":          "main",
		"lib/util.js":       "util",
		"lib/deep/inner.js": "inner",
	}

	WriteTree(t, root, files)

	if got := ReadTree(t, root); !reflect.DeepEqual(got, files) {
		t.Errorf("ReadTree() = %v, want %v", got, files)
	}
}

func TestWriteZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.zip")
	WriteZip(t, path, map[string]string{
		"bot-1.0.0/index.js": "main",
		"bot-1.0.0/":         "",
	})

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = r.Close()
	}()

	if len(r.File) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(r.File))
	}
	if r.File[0].Name != "bot-1.0.0/" {
		t.Errorf("entries not sorted, first is %s", r.File[0].Name)
	}
}
