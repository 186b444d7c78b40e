package workspace

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		t.Fatalf("mkdir tmp: %v", err)
	}
	return NewManager(filepath.Join(root, "workspace"), tmp)
}

func TestEnsureAndRemoveProject(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.EnsureProject("demo-app")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("project dir missing: %v", err)
	}

	if err := m.RemoveProject("demo-app"); err != nil {
		t.Fatalf("RemoveProject: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected project dir removed, stat err=%v", err)
	}

	// Removing again is not an error.
	if err := m.RemoveProject("demo-app"); err != nil {
		t.Errorf("second RemoveProject: %v", err)
	}
}

func TestInvalidProjectNamesRejected(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"", "../etc", "a/b", "name with spaces", "waaaaaaaaaaaaaaaaaaaaaaaaaaaay-too-long-name"} {
		if _, err := m.EnsureProject(name); err == nil {
			t.Errorf("expected rejection for %q", name)
		}
	}
}

func TestListFiles(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.EnsureProject("proj")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := m.ListFiles("proj")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	paths := make(map[string]bool)
	for _, f := range files {
		paths[f.Path] = true
	}
	if !paths["src"] || !paths["src/main.go"] {
		t.Errorf("expected src and src/main.go, got %v", paths)
	}
}

func TestWriteZipRoundTrip(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.EnsureProject("proj")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	if err := m.WriteZip("proj", &buf); err != nil {
		t.Fatalf("WriteZip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "readme.md" {
		t.Fatalf("unexpected archive contents: %+v", zr.File)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("expected hello, got %q", content)
	}
}

func TestClearTmp(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.tmpDir, "junk.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(m.tmpDir, "nested", "deep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := m.ClearTmp(); err != nil {
		t.Fatalf("ClearTmp: %v", err)
	}
	entries, err := os.ReadDir(m.tmpDir)
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty tmp, got %d entries", len(entries))
	}

	// A missing tmp dir is fine.
	m2 := NewManager(t.TempDir(), filepath.Join(t.TempDir(), "absent"))
	if err := m2.ClearTmp(); err != nil {
		t.Errorf("ClearTmp on missing dir: %v", err)
	}
}
