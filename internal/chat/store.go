// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/openrouter"
	"github.com/sufiyansj/mag/internal/storage"
)

// ImportError reports why an imported conversation was rejected.
type ImportError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("import failed: %s: %v", e.Reason, e.Err)
	}
	return "import failed: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *ImportError) Unwrap() error {
	return e.Err
}

// =============================================================================
// STORE
// =============================================================================

// Store owns the conversation list and the current selection. Every mutation
// persists the full list; the selection is persisted separately so the app
// reopens where it left off.
type Store struct {
	kv            storage.KV
	conversations []*model.Conversation
	current       *model.Conversation
}

// NewStore loads the conversation list from the KV backend.
//
// A corrupt conversations blob is logged and treated as empty rather than
// failing startup; losing the selection beats refusing to open. Settings of
// loaded conversations are migrated to the current schema.
func NewStore(kv storage.KV) (*Store, error) {
	s := &Store{kv: kv}

	raw, ok, err := kv.Get(storage.KeyConversations)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &s.conversations); err != nil {
			log.Printf("Conversation list is corrupt, starting empty: %v", err)
			s.conversations = nil
		}
	}

	migrated := false
	for _, conv := range s.conversations {
		if conv.Settings.Migrate() {
			migrated = true
		}
	}

	if lastID, ok, err := kv.Get(storage.KeyLastConversation); err == nil && ok {
		s.current = s.byID(lastID)
	}

	if migrated {
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// byID returns the conversation with the given ID, or nil.
func (s *Store) byID(id string) *model.Conversation {
	for _, conv := range s.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// persist writes the full conversation list and the current selection.
func (s *Store) persist() error {
	data, err := json.Marshal(s.conversations)
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}
	if err := s.kv.Set(storage.KeyConversations, string(data)); err != nil {
		return fmt.Errorf("persist conversations: %w", err)
	}

	if s.current != nil {
		return s.kv.Set(storage.KeyLastConversation, s.current.ID)
	}
	return s.kv.Delete(storage.KeyLastConversation)
}

// List returns all conversations, newest first.
func (s *Store) List() []*model.Conversation {
	return s.conversations
}

// Current returns the selected conversation, or nil.
func (s *Store) Current() *model.Conversation {
	return s.current
}

// Count returns the number of conversations.
func (s *Store) Count() int {
	return len(s.conversations)
}

// Create adds a new conversation at the head of the list and selects it.
func (s *Store) Create(title string) (*model.Conversation, error) {
	conv := model.NewConversation(title)
	s.conversations = append([]*model.Conversation{conv}, s.conversations...)
	s.current = conv
	if err := s.persist(); err != nil {
		return nil, err
	}
	return conv, nil
}

// Select makes the conversation with the given ID current. Selecting an
// unknown ID leaves the selection unchanged.
func (s *Store) Select(id string) error {
	conv := s.byID(id)
	if conv == nil {
		return nil
	}
	s.current = conv
	return s.kv.Set(storage.KeyLastConversation, conv.ID)
}

// Delete removes a conversation. Deleting the current conversation leaves
// no selection. Deleting an unknown ID is a no-op.
func (s *Store) Delete(id string) error {
	for i, conv := range s.conversations {
		if conv.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			if s.current == conv {
				s.current = nil
			}
			return s.persist()
		}
	}
	return nil
}

// Rename sets the title of a conversation.
func (s *Store) Rename(id, title string) error {
	conv := s.byID(id)
	if conv == nil {
		return nil
	}
	conv.SetTitle(title)
	return s.persist()
}

// Duplicate deep-copies a conversation under a "(Copy)" title. The copy is
// prepended to the list and is not selected.
func (s *Store) Duplicate(id string) (*model.Conversation, error) {
	conv := s.byID(id)
	if conv == nil {
		return nil, nil
	}
	clone := conv.Clone()
	clone.SetTitle(conv.GetTitle() + " (Copy)")

	s.conversations = append([]*model.Conversation{clone}, s.conversations...)
	if err := s.persist(); err != nil {
		return nil, err
	}
	return clone, nil
}

// TogglePin flips the pinned flag of a conversation.
func (s *Store) TogglePin(id string) error {
	conv := s.byID(id)
	if conv == nil {
		return nil
	}
	conv.Pinned = !conv.Pinned
	return s.persist()
}

// ClearAll deletes every conversation and the persisted state.
func (s *Store) ClearAll() error {
	s.conversations = nil
	s.current = nil
	if err := s.kv.Delete(storage.KeyConversations); err != nil {
		return err
	}
	return s.kv.Delete(storage.KeyLastConversation)
}

// Save persists the current state. Exposed for callers that mutate
// conversations directly, like the orchestrator during streaming.
func (s *Store) Save() error {
	return s.persist()
}

// =============================================================================
// SETTINGS
// =============================================================================

// UpdateSettings changes the tunable settings of the current conversation.
// Model and provider are pinned and not adjustable here.
func (s *Store) UpdateSettings(temperature float64, maxTokens int, systemPrompt string) error {
	if s.current == nil {
		return fmt.Errorf("no conversation selected")
	}
	s.current.Settings.Temperature = temperature
	s.current.Settings.MaxTokens = maxTokens
	s.current.Settings.SystemPrompt = systemPrompt
	return s.persist()
}

// =============================================================================
// IMPORT / EXPORT / SEARCH
// =============================================================================

// Export renders a conversation in the given format.
func (s *Store) Export(id string, format openrouter.ExportFormat) (string, error) {
	conv := s.byID(id)
	if conv == nil {
		return "", fmt.Errorf("conversation %q not found", id)
	}
	return openrouter.ExportConversation(conv, format)
}

// ExportCurrent renders the current conversation in the given format.
func (s *Store) ExportCurrent(format openrouter.ExportFormat) (string, error) {
	if s.current == nil {
		return "", fmt.Errorf("no conversation selected")
	}
	return openrouter.ExportConversation(s.current, format)
}

// Import parses a JSON export and adds it as a new conversation with a
// fresh identity. Both shapes the exporter produces are accepted: a full
// conversation object, or a bare message array which is wrapped into a new
// conversation with default settings. Malformed payloads are rejected with
// an *ImportError and the store is left unchanged.
func (s *Store) Import(jsonData string) (*model.Conversation, error) {
	conv, err := parseImport(jsonData)
	if err != nil {
		return nil, err
	}
	for _, msg := range conv.Messages {
		if !msg.Role.Valid() {
			return nil, &ImportError{Reason: fmt.Sprintf("unknown message role %q", msg.Role)}
		}
	}

	// Fresh identity so an import never collides with an existing entry.
	imported := conv.Clone()
	imported.Settings.Migrate()

	s.conversations = append([]*model.Conversation{imported}, s.conversations...)
	if err := s.persist(); err != nil {
		return nil, err
	}
	return imported, nil
}

// parseImport decodes either export shape into a conversation.
func parseImport(jsonData string) (*model.Conversation, error) {
	trimmed := strings.TrimSpace(jsonData)

	if strings.HasPrefix(trimmed, "[") {
		var messages []*model.Message
		if err := json.Unmarshal([]byte(trimmed), &messages); err != nil {
			return nil, &ImportError{Reason: "not a valid message array", Err: err}
		}
		if len(messages) == 0 {
			return nil, &ImportError{Reason: "empty message array"}
		}
		conv := model.NewConversation(model.DefaultTitle)
		conv.Messages = messages
		return conv, nil
	}

	var conv model.Conversation
	if err := json.Unmarshal([]byte(trimmed), &conv); err != nil {
		return nil, &ImportError{Reason: "not valid conversation JSON", Err: err}
	}
	if strings.TrimSpace(conv.Title) == "" && len(conv.Messages) == 0 {
		return nil, &ImportError{Reason: "empty conversation"}
	}
	return &conv, nil
}

// SearchCurrent returns the messages of the current conversation matching
// the query, case-insensitive.
func (s *Store) SearchCurrent(query string) []*model.Message {
	if s.current == nil {
		return nil
	}
	return openrouter.SearchMessages(s.current.Messages, query)
}
