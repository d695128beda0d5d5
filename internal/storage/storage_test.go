// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"os"
	"path/filepath"
	"testing"
)

// kvBackends builds one of each KV implementation for shared contract tests.
func kvBackends(t *testing.T) map[string]KV {
	t.Helper()

	fileStore, err := NewFileStoreWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	sqliteStore, err := NewSQLiteStoreWithPath(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}

	return map[string]KV{
		"mem":    NewMemStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestKVSetGetRoundTrip(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()

			if err := kv.Set(KeyAPIKey, "sk-or-test"); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			got, ok, err := kv.Get(KeyAPIKey)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !ok {
				t.Fatal("Expected key to exist")
			}
			if got != "sk-or-test" {
				t.Errorf("Get = %q, want %q", got, "sk-or-test")
			}
		})
	}
}

func TestKVMissingKey(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()

			_, ok, err := kv.Get("nonexistent")
			if err != nil {
				t.Fatalf("Missing key must not be an error, got %v", err)
			}
			if ok {
				t.Error("Missing key should report ok=false")
			}
		})
	}
}

func TestKVOverwrite(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()

			kv.Set("k", "one")
			kv.Set("k", "two")

			got, _, _ := kv.Get("k")
			if got != "two" {
				t.Errorf("Get after overwrite = %q, want %q", got, "two")
			}
		})
	}
}

func TestKVDelete(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()

			kv.Set("k", "v")
			if err := kv.Delete("k"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, ok, _ := kv.Get("k"); ok {
				t.Error("Key should be gone after delete")
			}

			// Deleting a missing key is a no-op
			if err := kv.Delete("k"); err != nil {
				t.Errorf("Deleting a missing key should not error: %v", err)
			}
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStoreWithDir(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Set(KeyConversations, `[{"id":"conv_1"}]`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	store.Close()

	reopened, err := NewFileStoreWithDir(dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	got, ok, err := reopened.Get(KeyConversations)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if got != `[{"id":"conv_1"}]` {
		t.Errorf("Value after reopen = %q", got)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStoreWithPath(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Set(KeyLastConversation, "conv_abc"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStoreWithPath(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, ok, _ := reopened.Get(KeyLastConversation)
	if !ok || got != "conv_abc" {
		t.Errorf("Get after reopen = %q ok=%v", got, ok)
	}
}

func TestFileStoreKeyCannotEscapeBaseDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStoreWithDir(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Set("../escape", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected exactly one file inside base dir, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.dat")); err == nil {
		t.Error("Key escaped the base directory")
	}
}
