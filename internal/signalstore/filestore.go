package signalstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore implements Store as one file per key in a single directory.
//
// Atomic replace is achieved by writing the value to a hidden temporary file
// in the same directory and renaming it over the target. Rename within a
// directory is atomic on POSIX filesystems, so concurrent readers never
// observe a half-written record.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates (if needed) the backing directory and returns a store.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("signalstore: directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating signal directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// validateKey rejects keys that could escape the backing directory or
// collide with temporary files.
func validateKey(key string) error {
	if key == "" {
		return errors.New("signalstore: key cannot be empty")
	}
	if strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return fmt.Errorf("signalstore: invalid key %q", key)
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("signalstore: key %q cannot start with a dot", key)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Put atomically creates or replaces the value under key.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	tmp := filepath.Join(s.dir, ".tmp-"+uuid.New().String())
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		// Best effort: don't leave the temp file behind.
		if rmErr := os.Remove(tmp); rmErr != nil {
			s.logger.Warn("failed to remove orphaned temp file",
				zap.String("path", tmp), zap.Error(rmErr))
		}
		return fmt.Errorf("promoting %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key, or ErrNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the key. Deleting a missing key is a no-op.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix. Temporary files are invisible.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing signal directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
