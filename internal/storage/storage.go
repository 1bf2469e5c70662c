// Package storage holds recording blobs. The filesystem implementation
// keeps them under the data directory, the same place the PBX-side
// tooling expects to find call audio.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the blob-store boundary: recordings go in under a name and
// come back out as a reader.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) (path string, size int64, err error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FileStore is a filesystem-backed Store rooted at a single directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Put writes a blob, replacing any previous content under the same name.
func (s *FileStore) Put(_ context.Context, name string, r io.Reader) (string, int64, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("creating blob %s: %w", name, err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path) //nolint:errcheck
		return "", 0, fmt.Errorf("writing blob %s: %w", name, err)
	}
	return path, size, nil
}

// Open returns a reader over a stored blob.
func (s *FileStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", name, err)
	}
	return f, nil
}

// resolve maps a blob name to a path inside the root, rejecting names
// that would escape it.
func (s *FileStore) resolve(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.root, name), nil
}
