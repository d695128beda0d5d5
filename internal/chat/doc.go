// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat holds the conversation store and the streaming orchestrator.
//
// The Store owns the conversation list: creation, selection, deletion,
// renaming, duplication, pinning, import/export, and persistence through a
// KV backend. The Orchestrator drives one chat turn at a time: it appends
// the user message, streams the assistant reply into a single message, and
// handles titles, errors, and regeneration.
//
// # Key Types
//
//   - Store: durable conversation list with a current selection
//   - Orchestrator: single-flight send/stream state machine
//   - Provider: the completion capability the orchestrator depends on
//
// The Provider interface is defined here, on the consumer side; the
// openrouter.Client satisfies it.
package chat
