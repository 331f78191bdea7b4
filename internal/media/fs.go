package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSStore keeps blobs as flat files under one directory.
type FSStore struct {
	rootPath string
}

var _ BlobStore = (*FSStore)(nil)

func NewFSStore(rootPath string) (*FSStore, error) {
	p := filepath.Clean(rootPath)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory %s: %w", p, err)
	}
	return &FSStore{rootPath: p}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if key == "" || filepath.Base(key) != key || key == "." || key == ".." {
		return "", ErrNotFound
	}
	return filepath.Join(s.rootPath, key), nil
}

// Put writes to a temp file and renames it into place, so readers never see
// a half-written blob.
func (s *FSStore) Put(_ context.Context, key, _ string, body io.Reader) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.rootPath, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("failed to move blob into place: %w", err)
	}
	return nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete is idempotent.
func (s *FSStore) Delete(_ context.Context, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
