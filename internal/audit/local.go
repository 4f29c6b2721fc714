package audit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// LocalStore keeps audit objects as files below a directory.
type LocalStore struct {
	dir string
	mu  sync.Mutex
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) file(path string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path))
}

// Append implements Store.
func (s *LocalStore) Append(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.file(path), os.O_WRONLY|os.O_APPEND, 0)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrBlobNotFound
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrBlobSealed, err)
	case err != nil:
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Create implements Store.
func (s *LocalStore) Create(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.file(path)
	if err := os.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return f.Close()
}
