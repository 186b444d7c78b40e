// Package workspace manages the per-project directories tasks write their
// output into, plus the shared tmp directory cleared by cleanup protocols.
package workspace

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var projectNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// FileInfo describes one file inside a project workspace.
type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	IsDir    bool      `json:"is_dir"`
}

// Manager owns the workspace root and tmp directory.
type Manager struct {
	root   string
	tmpDir string
}

// NewManager creates a manager rooted at root with the given tmp directory.
func NewManager(root, tmpDir string) *Manager {
	return &Manager{root: root, tmpDir: tmpDir}
}

// Root returns the workspace root path.
func (m *Manager) Root() string {
	return m.root
}

// validate guards every name-derived path against traversal.
func validate(name string) error {
	if name == "" || len(name) > 30 || !projectNameRe.MatchString(name) {
		return fmt.Errorf("invalid project name %q", name)
	}
	return nil
}

// ProjectDir resolves a project's directory without creating it.
func (m *Manager) ProjectDir(name string) (string, error) {
	if err := validate(name); err != nil {
		return "", err
	}
	return filepath.Join(m.root, name), nil
}

// EnsureProject creates the project directory when missing.
func (m *Manager) EnsureProject(name string) (string, error) {
	dir, err := m.ProjectDir(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", name, err)
	}
	return dir, nil
}

// RemoveProject deletes the project's directory tree. Missing directories
// are not an error.
func (m *Manager) RemoveProject(name string) error {
	dir, err := m.ProjectDir(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", name, err)
	}
	log.Printf("[WORKSPACE] Removed %s", dir)
	return nil
}

// ListFiles walks the project tree and returns workspace-relative entries.
func (m *Manager) ListFiles(name string) ([]FileInfo, error) {
	dir, err := m.ProjectDir(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", name)
	}

	var files []FileInfo
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:     filepath.ToSlash(rel),
			Size:     fi.Size(),
			Modified: fi.ModTime(),
			IsDir:    fi.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace %s: %w", name, err)
	}
	return files, nil
}

// WriteZip streams the project directory as a zip archive.
func (m *Manager) WriteZip(name string, w io.Writer) error {
	dir, err := m.ProjectDir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("workspace %s: %w", name, err)
	}

	zw := zip.NewWriter(w)
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(fw, src)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("zip workspace %s: %w", name, err)
	}
	return zw.Close()
}

// ClearTmp empties the tmp directory, keeping the directory itself.
// Best-effort: the first error is returned but the sweep continues.
func (m *Manager) ClearTmp() error {
	entries, err := os.ReadDir(m.tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tmp dir: %w", err)
	}
	var firstErr error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(m.tmpDir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("clear tmp: %w", firstErr)
	}
	log.Printf("[WORKSPACE] Cleared %s", m.tmpDir)
	return nil
}
