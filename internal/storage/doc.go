// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable key/value persistence for mag.
//
// The chat core persists its state (conversation list, last selection,
// API key, provider tag) through the small KV interface so it can run
// against any backend. Three implementations are provided:
//
//   - FileStore: one file per key, written atomically with fsync
//   - SQLiteStore: single kv table via the pure-Go SQLite driver
//   - MemStore: in-memory map, for tests
//
// All reads tolerate absence: a missing key is ok=false, not an error.
//
// # Storage Location
//
// Disk-backed stores live under ~/.mag/ by default.
package storage
