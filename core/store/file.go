package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend keeps each record in <dir>/<name>.json.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir when missing.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Kind implements Backend.
func (b *FileBackend) Kind() string { return "file" }

// Load implements Backend.
func (b *FileBackend) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Save writes to a temporary file and renames it over the record so a
// crash never leaves a truncated file behind.
func (b *FileBackend) Save(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, name+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path(name))
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}
