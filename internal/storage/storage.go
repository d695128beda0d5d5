// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import "sync"

// Well-known keys used by the chat core.
const (
	KeyConversations    = "conversations"
	KeyLastConversation = "last_conversation"
	KeyAPIKey           = "api_key"
	KeyAPIProvider      = "api_provider"
)

// KV is the durable key/value contract the chat core persists through.
//
// Get returns ok=false for a missing key; absence is never an error.
// Set must be durable when it returns (survive a process crash).
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemStore is an in-memory KV used in tests and as a fallback when no
// durable backend is available.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

// Get returns the stored value for key.
func (s *MemStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error {
	return nil
}

// Len returns the number of stored keys.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
