// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the application
// for representing chat conversations, messages, per-conversation settings,
// and file attachments.
//
// # Key Types
//
//   - Conversation: Titled, ordered thread of messages plus its own settings
//   - Message: Single message with role, content, timestamp, and attachments
//   - Settings: Model, temperature, max tokens, and system prompt
//   - FileAttachment: Binary file bound to a sent message
//   - Role: Message role enumeration (user, assistant, system)
//
// # Usage
//
// Create a new conversation and append a user turn:
//
//	conv := model.NewConversation("")
//	conv.AddMessage(model.NewUserMessage("Hello!", nil))
//
// A message's role never changes after creation; only its content may
// mutate (edits, or token appends while an assistant reply streams).
package model
