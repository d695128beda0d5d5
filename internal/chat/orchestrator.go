// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sufiyansj/mag/internal/attach"
	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/openrouter"
)

// ErrBusy indicates a send is already in flight. One turn at a time.
var ErrBusy = errors.New("a message is already being sent")

// State is the orchestrator's send/stream state.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator drives chat turns: it appends the user message, streams the
// assistant reply into a single message, and keeps the store persisted at
// each step so a crash never loses a committed turn.
type Orchestrator struct {
	store       *Store
	provider    Provider
	attachments *attach.Manager

	mu      sync.Mutex
	busy    bool
	state   State
	lastErr error

	// OnDelta is called for each streamed fragment, in order.
	OnDelta func(delta string)

	// OnState is called on every state transition.
	OnState func(state State)
}

// NewOrchestrator creates an orchestrator. The attachment manager may be
// nil when attachments are not in use.
func NewOrchestrator(store *Store, provider Provider, attachments *attach.Manager) *Orchestrator {
	return &Orchestrator{
		store:       store,
		provider:    provider,
		attachments: attachments,
		state:       StateIdle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the error of the most recent failed turn, if any.
// Errors live here, never as messages in the conversation history.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// IsStreaming reports whether a reply is currently being generated.
func (o *Orchestrator) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateSending || o.state == StateStreaming
}

// setState records a transition and notifies the listener.
func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	if o.OnState != nil {
		o.OnState(state)
	}
}

// acquire claims the single send slot.
func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	return true
}

// release frees the send slot.
func (o *Orchestrator) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

// =============================================================================
// SEND
// =============================================================================

// Send commits a user turn and streams the assistant reply.
//
// Sending empty text with no staged attachments is a silent no-op. When no
// conversation is selected, one is created and the turn itself is skipped;
// the caller retries against the fresh conversation. The user message is
// persisted before the request goes out, so it survives any streaming
// failure. If the stream dies midway, the partial assistant content is
// kept; if nothing arrived, no assistant message is left behind.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	pendingAttachments := o.attachments != nil && o.attachments.Count() > 0
	if text == "" && !pendingAttachments {
		return nil
	}

	if !o.acquire() {
		return ErrBusy
	}
	defer o.release()

	conv := o.store.Current()
	if conv == nil {
		_, err := o.store.Create("")
		return err
	}

	firstTurn := !hasUserMessage(conv)

	var atts []*model.FileAttachment
	if o.attachments != nil {
		atts = o.attachments.Take()
	}

	conv.AddMessage(model.NewUserMessage(text, atts))
	if err := o.store.Save(); err != nil {
		return err
	}

	titleSource := ""
	if firstTurn {
		titleSource = text
	}
	return o.streamReply(ctx, conv, titleSource)
}

// Regenerate discards the last assistant reply and streams a new one from
// the same history. It is a silent no-op when there is no conversation or
// the history does not end with a user turn followed by an assistant reply.
func (o *Orchestrator) Regenerate(ctx context.Context) error {
	if !o.acquire() {
		return ErrBusy
	}
	defer o.release()

	conv := o.store.Current()
	if conv == nil {
		return nil
	}
	last := conv.GetLastMessage()
	if last == nil || last.Role != model.RoleAssistant {
		return nil
	}
	n := conv.MessageCount()
	if n < 2 || conv.Messages[n-2].Role != model.RoleUser {
		return nil
	}

	conv.TruncateLast()
	if err := o.store.Save(); err != nil {
		return err
	}
	return o.streamReply(ctx, conv, "")
}

// EditMessage rewrites a message and drops everything after it, whatever
// the edited role. Edited turns invalidate downstream replies, so the tail
// is truncated; resending is a separate explicit action (Regenerate or a
// new Send). Editing an unknown ID is a silent no-op.
func (o *Orchestrator) EditMessage(id, newContent string) error {
	if !o.acquire() {
		return ErrBusy
	}
	defer o.release()

	conv := o.store.Current()
	if conv == nil {
		return nil
	}
	if !conv.EditMessage(id, newContent) {
		return nil
	}
	return o.store.Save()
}

// DeleteMessage removes a single message from the current conversation.
func (o *Orchestrator) DeleteMessage(id string) error {
	conv := o.store.Current()
	if conv == nil {
		return nil
	}
	if conv.RemoveMessage(id) {
		return o.store.Save()
	}
	return nil
}

// =============================================================================
// STREAMING
// =============================================================================

// streamReply opens a completion stream for the conversation's history and
// accumulates the reply into one assistant message. titleSource, when
// non-empty, triggers title generation after a successful first turn.
func (o *Orchestrator) streamReply(ctx context.Context, conv *model.Conversation, titleSource string) error {
	o.setState(StateSending)

	deltas, err := o.provider.StreamCompletion(ctx, wireHistory(conv), completionOptions(conv))
	if err != nil {
		return o.fail(err)
	}

	asst := model.NewAssistantMessage(conv.Settings.Model)
	conv.AddMessage(asst)

	var streamErr error
	streaming := false
	for d := range deltas {
		if d.Err != nil {
			streamErr = d.Err
			break
		}
		if !streaming {
			streaming = true
			o.setState(StateStreaming)
		}
		asst.AppendDelta(d.Content)
		if o.OnDelta != nil {
			o.OnDelta(d.Content)
		}
	}

	asst.FinalizeStream()

	if streamErr != nil {
		// Keep partial output; an empty reply leaves no trace in history.
		if asst.IsEmpty() {
			conv.RemoveMessage(asst.ID)
		}
		if err := o.store.Save(); err != nil {
			return o.fail(err)
		}
		return o.fail(streamErr)
	}

	if titleSource != "" && conv.GetTitle() == model.DefaultTitle {
		conv.SetTitle(o.provider.GenerateTitle(ctx, titleSource, asst.GetDisplayContent()))
	}

	if err := o.store.Save(); err != nil {
		return o.fail(err)
	}

	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
	o.setState(StateIdle)
	return nil
}

// fail records the error and moves to the error state.
func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	o.setState(StateError)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// hasUserMessage reports whether the conversation contains any user turn.
func hasUserMessage(conv *model.Conversation) bool {
	for _, msg := range conv.Messages {
		if msg.Role == model.RoleUser {
			return true
		}
	}
	return false
}

// wireHistory builds the request messages: the synthetic system prompt from
// the conversation settings, then the stored history.
func wireHistory(conv *model.Conversation) []openrouter.ChatMessage {
	var wire []openrouter.ChatMessage
	if conv.Settings.SystemPrompt != "" {
		wire = append(wire, openrouter.NewSystemMessage(conv.Settings.SystemPrompt))
	}
	return append(wire, openrouter.FromModelMessages(conv.Messages)...)
}

// completionOptions maps conversation settings to request options.
func completionOptions(conv *model.Conversation) openrouter.CompletionOptions {
	return openrouter.CompletionOptions{
		Model:       conv.Settings.Model,
		Temperature: conv.Settings.Temperature,
		MaxTokens:   conv.Settings.MaxTokens,
	}
}
