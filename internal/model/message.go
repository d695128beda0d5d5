// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message. Fixed at creation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "MAG"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether the role is one of the three supported roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Attachments sent with this message. Immutable once the message is
	// part of a conversation; ownership of the blob references lives here.
	Attachments []*FileAttachment `json:"attachments,omitempty"`

	// Model that produced an assistant message.
	Model string `json:"model,omitempty"`

	// Streaming state (not persisted).
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	IsStreaming   bool `json:"-"`
	streamContent strings.Builder
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message with optional attachments.
func NewUserMessage(content string, attachments []*FileAttachment) *Message {
	msg := NewMessage(RoleUser, content)
	msg.Attachments = attachments
	return msg
}

// NewAssistantMessage creates an empty streaming assistant message tagged
// with the model that is producing it.
func NewAssistantMessage(modelID string) *Message {
	return &Message{
		ID:          generateMessageID(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		Model:       modelID,
		IsStreaming: true,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendDelta appends a streamed text fragment to a streaming message.
func (m *Message) AppendDelta(delta string) {
	if m.IsStreaming {
		m.streamContent.WriteString(delta)
	}
}

// FinalizeStream completes streaming, merging the accumulated fragments
// into Content. No-op if the message is not streaming.
func (m *Message) FinalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// GetDisplayContent returns the content to display (streaming or final).
func (m *Message) GetDisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// SetContent replaces the message content. The role never changes; content
// is the only mutable field after creation.
func (m *Message) SetContent(content string) {
	if m.IsStreaming {
		m.streamContent.Reset()
		m.streamContent.WriteString(content)
		return
	}
	m.Content = content
}

// Preview returns a truncated single-line preview of the message content.
func (m *Message) Preview(maxLen int) string {
	content := m.GetDisplayContent()
	content = strings.ReplaceAll(content, "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// EstimateTokens gives a rough estimate of token count (~4 chars per token).
func (m *Message) EstimateTokens() int {
	return (len(m.GetDisplayContent()) + 3) / 4
}

// Clone returns a copy of the message. The streaming accumulator is
// flattened into Content so the copy is safe to share.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		Role:      m.Role,
		Timestamp: m.Timestamp,
		Content:   m.GetDisplayContent(),
		Model:     m.Model,
	}
	if len(m.Attachments) > 0 {
		clone.Attachments = make([]*FileAttachment, len(m.Attachments))
		copy(clone.Attachments, m.Attachments)
	}
	return clone
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateMessageID creates a unique message ID.
func generateMessageID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}
