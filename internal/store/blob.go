// Package store provides durable storage for the intake pipeline: a
// content-addressed blob store and a relational metadata store.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ContentStore is content-addressed blob storage. Keys are content
// hashes, so Put is idempotent: the same key always carries the same
// bytes and concurrent duplicate writes are safe.
type ContentStore interface {
	Put(key string, data []byte) (locator string, err error)
	Get(locator string) ([]byte, error)
	Delete(locator string) error
}

// FSBlobStore stores blobs on the local filesystem, fanned out by the
// first hash bytes to keep directories small.
type FSBlobStore struct {
	basePath string
}

// NewFSBlobStore creates a filesystem blob store rooted at basePath.
func NewFSBlobStore(basePath string) (*FSBlobStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{basePath: basePath}, nil
}

// Put writes data under a hash-derived path and returns its locator.
// Writing an existing key is a no-op.
func (s *FSBlobStore) Put(key string, data []byte) (string, error) {
	locator, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.basePath, locator)
	if _, err := os.Stat(full); err == nil {
		return locator, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}

	// Write-then-rename so readers never observe a partial blob.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return locator, nil
}

// Get reads a blob by locator.
func (s *FSBlobStore) Get(locator string) ([]byte, error) {
	if err := checkLocator(locator); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.basePath, locator))
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *FSBlobStore) Delete(locator string) error {
	if err := checkLocator(locator); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.basePath, locator))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FSBlobStore) pathFor(key string) (string, error) {
	if len(key) < 4 || strings.ContainsAny(key, "/\\.") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(key[:2], key[2:4], key), nil
}

func checkLocator(locator string) error {
	if locator == "" || strings.Contains(locator, "..") {
		return fmt.Errorf("invalid blob locator %q", locator)
	}
	return nil
}
