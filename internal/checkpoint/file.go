// Package checkpoint persists the last fully flushed page so a crawl
// can resume after a crash.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileStore keeps the checkpoint in a single marker file. Saves go
// through a temp file and a rename so a crash mid-write never leaves
// a torn value behind.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint: create dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load reads the checkpoint. A missing file means no checkpoint.
func (s *FileStore) Load(_ context.Context) (int, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}
	page, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("checkpoint: corrupt marker %s: %w", s.path, err)
	}
	if page < 0 {
		return 0, fmt.Errorf("checkpoint: negative page in %s", s.path)
	}
	return page, nil
}

// Save records page as the new checkpoint.
func (s *FileStore) Save(_ context.Context, page int) error {
	if page < 0 {
		return fmt.Errorf("checkpoint: negative page %d", page)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(page) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
