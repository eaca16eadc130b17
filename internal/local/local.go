// Package local persists small named blobs on disk for the offline
// cache, user preferences and the client identity.
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store is a flat directory of named values. Keys are fixed well-known
// names, values are opaque bytes. All methods are safe for concurrent
// use.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
}

// NewStore opens (creating if needed) the data directory.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get reads the value stored under key. A missing or unreadable value
// is reported as absent, never as an error.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("local store read failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return nil, false
	}
	return b, true
}

// Set writes value under key. The write goes through a temporary file
// and a rename so readers never observe a partial value.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.path(key)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(dst)+".tmp-")
	if err != nil {
		return fmt.Errorf("local store write %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("local store write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("local store write %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("local store write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("local store write %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key, if any.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("local store delete failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// path maps a key to its file. Path separators in keys are flattened
// so a key can never escape the data directory.
func (s *Store) path(key string) string {
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	key = strings.ReplaceAll(key, "/", "_")
	return filepath.Join(s.dir, key)
}
