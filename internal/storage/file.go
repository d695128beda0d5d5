// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sufiyansj/mag/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore persists each key as a file under a base directory.
type FileStore struct {
	mu sync.Mutex

	// BaseDir is the directory holding the key files.
	// Default: ~/.mag/state/
	BaseDir string
}

// NewFileStore creates a file store under the user's home directory.
func NewFileStore() (*FileStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewFileStoreWithDir(filepath.Join(homeDir, ".mag", "state"))
}

// NewFileStoreWithDir creates a file store with a custom directory.
func NewFileStoreWithDir(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{BaseDir: baseDir}, nil
}

// Get reads the value stored for key. A missing file is ok=false.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read key %q: %w", key, err)
	}
	return string(data), true, nil
}

// Set writes value for key atomically.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := util.AtomicWriteFile(s.filePath(key), []byte(value), 0600); err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

// Delete removes the file for key. Deleting a missing key is a no-op.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// Close is a no-op; writes are synced eagerly.
func (s *FileStore) Close() error {
	return nil
}

// filePath maps a key to its backing file. Keys are flat identifiers;
// anything path-like is flattened so a key cannot escape the base dir.
func (s *FileStore) filePath(key string) string {
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	key = strings.ReplaceAll(key, "..", "_")
	return filepath.Join(s.BaseDir, key+".dat")
}
