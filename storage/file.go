package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// FileSecureStore implements a SecureStore on the local file system. Entries
// are stored as individual files named by the hash of the entry name, with
// owner-only permissions. It stands in for the platform keychain on
// environments without one.
type FileSecureStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileSecureStore creates a file-backed secure store rooted at baseDir.
func NewFileSecureStore(baseDir string, log *slog.Logger) (*FileSecureStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secure store directory: %w", err)
	}

	return &FileSecureStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (s *FileSecureStore) entryPath(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(s.baseDir, hex.EncodeToString(sum[:]))
}

// Get reads an entry, returning ErrShareUnavailable when absent.
func (s *FileSecureStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.entryPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, interfaces.ErrShareUnavailable
		}
		s.log.Error("Failed to read secure store entry", "name", name, "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return data, nil
}

// Set writes an entry with owner-only permissions.
func (s *FileSecureStore) Set(ctx context.Context, name string, value []byte) error {
	path := s.entryPath(name)

	// Write-then-rename keeps partially written entries from being readable.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		s.log.Error("Failed to write secure store entry", "name", name, "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Clear removes an entry. A missing entry is not an error.
func (s *FileSecureStore) Clear(ctx context.Context, name string) error {
	if err := os.Remove(s.entryPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Error("Failed to clear secure store entry", "name", name, "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// LocationURI returns the store's identifying URI.
func (s *FileSecureStore) LocationURI() string {
	return s.locationURI
}
