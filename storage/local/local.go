// Package local stores result artifacts on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xraph/renderq/storage"
)

var _ storage.Storage = (*Store)(nil)

// Store writes objects below a root directory. References are the cleaned
// keys, relative to the root.
type Store struct {
	root string
}

// New creates a filesystem store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage/local: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// Put writes r to a temporary file and renames it into place so readers
// never see a partial image.
func (s *Store) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	ref, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	dst := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage/local: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage/local: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return "", fmt.Errorf("storage/local: write %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage/local: close %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("storage/local: rename %s: %w", ref, err)
	}
	return ref, nil
}

// Open opens the object behind ref.
func (s *Store) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	ref, err := storage.CleanKey(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage/local: open %s: %w", ref, err)
	}
	return f, nil
}

// Delete removes the object behind ref.
func (s *Store) Delete(_ context.Context, ref string) error {
	ref, err := storage.CleanKey(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(ref)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrObjectNotFound
		}
		return fmt.Errorf("storage/local: delete %s: %w", ref, err)
	}
	return nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}
