// Package state implements the persistence substrate: a small key-value
// byte store for the rate-limit and response-cache blobs, with a file
// backend (atomic rename) and a SQLite backend (checksummed rows), plus
// the debounced Saver that drives writes.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Blob names used by the client core.
const (
	BlobRateLimits = "rate-limits.json"
	BlobCache      = "esi-cache.json"
)

// BlobStore is the key-value byte store the client persists through.
// Load returns (nil, nil) when the blob does not exist.
type BlobStore interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
}

// FileStore keeps each blob as a file under Dir. Saves go through a
// temp-file + rename so a crash mid-write never leaves a torn blob.
type FileStore struct {
	Dir string
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create dir %s: %w", dir, err)
	}
	return &FileStore{Dir: dir}, nil
}

// Load reads the blob, or returns (nil, nil) if it does not exist.
func (s *FileStore) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: load %s: %w", name, err)
	}
	return data, nil
}

// Save writes the blob atomically.
func (s *FileStore) Save(name string, data []byte) error {
	path := filepath.Join(s.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: rename %s: %w", name, err)
	}
	return nil
}
