// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// DefaultTitle is the title given to conversations created without one.
const DefaultTitle = "New Conversation"

// Conversation holds a complete chat conversation with history and metadata.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Messages, in chat order.
	Messages []*Message `json:"messages"`

	// Generation configuration
	Settings Settings `json:"settings"`

	// Organization
	Pinned bool   `json:"pinned,omitempty"`
	Folder string `json:"folder,omitempty"`
}

// NewConversation creates a new conversation with empty history and default
// settings. An empty title falls back to DefaultTitle.
func NewConversation(title string) *Conversation {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now()
	return &Conversation{
		ID:        generateConversationID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
		Settings:  DefaultSettings(),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// GetLastMessage returns the most recent message, or nil if empty.
func (c *Conversation) GetLastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// GetMessageByID returns a message by its ID, or nil if not found.
func (c *Conversation) GetMessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// RemoveMessage removes exactly the message with the given ID, leaving all
// other messages (including later ones) intact. Returns false if not found.
func (c *Conversation) RemoveMessage(id string) bool {
	for i, msg := range c.Messages {
		if msg.ID == id {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// EditMessage replaces the content of the message with the given ID and
// truncates every message after it. Edited turns invalidate downstream
// replies, so the tail is dropped. Returns false if the ID is not found.
func (c *Conversation) EditMessage(id, newContent string) bool {
	for i, msg := range c.Messages {
		if msg.ID == id {
			msg.SetContent(newContent)
			c.Messages = c.Messages[:i+1]
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// TruncateLast drops the last message. No-op on an empty conversation.
func (c *Conversation) TruncateLast() {
	if len(c.Messages) == 0 {
		return
	}
	c.Messages = c.Messages[:len(c.Messages)-1]
	c.UpdatedAt = time.Now()
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// SetTitle sets the conversation title and bumps the update timestamp.
func (c *Conversation) SetTitle(title string) {
	c.Title = title
	c.UpdatedAt = time.Now()
}

// GetTitle returns the conversation title or the default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return DefaultTitle
}

// Preview returns a short preview of the first user message.
func (c *Conversation) Preview() string {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			return msg.Preview(80)
		}
	}
	return "Empty conversation"
}

// =============================================================================
// CLONING
// =============================================================================

// Clone creates a deep copy of the conversation with a fresh identity and
// timestamps. Used by duplicate, which suffixes the title with "(Copy)".
func (c *Conversation) Clone() *Conversation {
	now := time.Now()
	clone := &Conversation{
		ID:        generateConversationID(),
		Title:     c.Title,
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  c.Settings,
		Pinned:    c.Pinned,
		Folder:    c.Folder,
		Messages:  make([]*Message, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}

// EstimateTokens estimates the total token count of the conversation,
// including the system prompt that would be prepended at request time.
func (c *Conversation) EstimateTokens() int {
	total := 0
	if c.Settings.SystemPrompt != "" {
		total += (len(c.Settings.SystemPrompt) + 3) / 4
	}
	for _, msg := range c.Messages {
		total += msg.EstimateTokens() + 4
	}
	return total
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateConversationID creates a unique conversation ID.
func generateConversationID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "conv_" + hex.EncodeToString(bytes)
}
