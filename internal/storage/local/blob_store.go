// Package local archives raw page markup under a directory on disk.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the archive root. Relative paths are resolved against the working directory.
	BaseDir string
}

// BlobStore writes one file per archived page.
type BlobStore struct {
	root string
}

// New resolves BaseDir to an absolute path, creating it if needed, and checks
// that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("local blob store: base directory is required")
	}
	root, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("local blob store: resolve %q: %w", cfg.BaseDir, err)
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0o750); err != nil {
			return nil, fmt.Errorf("local blob store: create %s: %w", root, err)
		}
	case err != nil:
		return nil, fmt.Errorf("local blob store: stat %s: %w", root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("local blob store: %s is not a directory", root)
	}

	check, err := os.CreateTemp(root, ".write-check-*")
	if err != nil {
		return nil, fmt.Errorf("local blob store: %s is not writable: %w", root, err)
	}
	name := check.Name()
	_ = check.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("local blob store: remove write check: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Root is the absolute archive directory.
func (s *BlobStore) Root() string {
	return s.root
}

// PutObject writes data to root/path and returns its file:// URI. The write
// goes through a temp file and a rename, so readers never see a partial page.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("local blob store: path is required")
	}

	target := filepath.Join(s.root, filepath.FromSlash(path))
	if !strings.HasPrefix(target, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("local blob store: path %q escapes the archive root", path)
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("local blob store: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("local blob store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("local blob store: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("local blob store: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("local blob store: rename %s: %w", path, err)
	}
	return "file://" + filepath.ToSlash(target), nil
}
