// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/openrouter"
)

// scriptedProvider replays a fixed set of deltas and records what it saw.
type scriptedProvider struct {
	deltas  []openrouter.Delta
	connErr error
	title   string

	calls        int
	lastMessages []openrouter.ChatMessage
	lastOpts     openrouter.CompletionOptions
	titleUser    string
	titleReply   string

	// started is closed when a stream opens; block delays stream completion.
	started chan struct{}
	block   chan struct{}
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, messages []openrouter.ChatMessage, opts openrouter.CompletionOptions) (<-chan openrouter.Delta, error) {
	p.calls++
	p.lastMessages = messages
	p.lastOpts = opts
	if p.connErr != nil {
		return nil, p.connErr
	}

	out := make(chan openrouter.Delta, len(p.deltas)+1)
	go func() {
		defer close(out)
		if p.started != nil {
			close(p.started)
			p.started = nil
		}
		for _, d := range p.deltas {
			out <- d
		}
		if p.block != nil {
			<-p.block
		}
	}()
	return out, nil
}

func (p *scriptedProvider) GenerateTitle(ctx context.Context, userMessage, assistantReply string) string {
	p.titleUser = userMessage
	p.titleReply = assistantReply
	if p.title != "" {
		return p.title
	}
	return model.DefaultTitle
}

func textDeltas(parts ...string) []openrouter.Delta {
	deltas := make([]openrouter.Delta, 0, len(parts))
	for _, part := range parts {
		deltas = append(deltas, openrouter.Delta{Content: part})
	}
	return deltas
}

func newTestOrchestrator(t *testing.T, p *scriptedProvider) (*Orchestrator, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	return NewOrchestrator(store, p, nil), store
}

// newOpenOrchestrator is newTestOrchestrator with a conversation selected.
func newOpenOrchestrator(t *testing.T, p *scriptedProvider) (*Orchestrator, *Store) {
	t.Helper()
	o, store := newTestOrchestrator(t, p)
	if _, err := store.Create(""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o, store
}

func TestSendStreamsReplyIntoSingleMessage(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("Hel", "lo", " world")}
	o, store := newOpenOrchestrator(t, p)

	var received []string
	o.OnDelta = func(d string) { received = append(received, d) }

	if err := o.Send(context.Background(), "greet me"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	conv := store.Current()
	if conv.MessageCount() != 2 {
		t.Fatalf("Message count = %d, want 2", conv.MessageCount())
	}

	user, asst := conv.Messages[0], conv.Messages[1]
	if user.Role != model.RoleUser || user.GetDisplayContent() != "greet me" {
		t.Errorf("User message = %v %q", user.Role, user.GetDisplayContent())
	}
	if asst.Role != model.RoleAssistant {
		t.Errorf("Reply role = %v", asst.Role)
	}
	if asst.GetDisplayContent() != "Hello world" {
		t.Errorf("Reply = %q, want %q", asst.GetDisplayContent(), "Hello world")
	}
	if asst.IsStreaming {
		t.Error("Reply should be finalized after the stream ends")
	}
	if strings.Join(received, "") != "Hello world" {
		t.Errorf("OnDelta saw %q", strings.Join(received, ""))
	}
	if o.State() != StateIdle {
		t.Errorf("State = %v, want idle", o.State())
	}
}

func TestSendSimpleExchange(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("4"), title: "Quick Arithmetic"}
	o, store := newOpenOrchestrator(t, p)

	if err := o.Send(context.Background(), "2+2?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	conv := store.Current()
	if conv.GetLastMessage().GetDisplayContent() != "4" {
		t.Errorf("Reply = %q", conv.GetLastMessage().GetDisplayContent())
	}
	if conv.GetTitle() != "Quick Arithmetic" {
		t.Errorf("First turn should auto-title, got %q", conv.GetTitle())
	}
	if p.titleUser != "2+2?" || p.titleReply != "4" {
		t.Errorf("Title request saw %q / %q, want the full first exchange", p.titleUser, p.titleReply)
	}
}

func TestSendWithoutConversationCreatesAndSkipsTurn(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("4")}
	o, store := newTestOrchestrator(t, p)

	if err := o.Send(context.Background(), "2+2?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	conv := store.Current()
	if conv == nil {
		t.Fatal("Send should create a conversation when none is selected")
	}
	if p.calls != 0 {
		t.Errorf("Provider calls = %d, the turn itself is skipped", p.calls)
	}
	if conv.MessageCount() != 0 {
		t.Errorf("Message count = %d, want empty fresh conversation", conv.MessageCount())
	}

	// The retry lands in the fresh conversation.
	if err := o.Send(context.Background(), "2+2?"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if p.calls != 1 || conv.MessageCount() != 2 {
		t.Errorf("After retry: calls = %d, messages = %d", p.calls, conv.MessageCount())
	}
}

func TestSendEmptyIsSilentNoOp(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("never")}
	o, store := newTestOrchestrator(t, p)

	if err := o.Send(context.Background(), "   "); err != nil {
		t.Fatalf("Empty send must not error: %v", err)
	}
	if store.Current() != nil {
		t.Error("Empty send must not create a conversation")
	}
	if p.calls != 0 {
		t.Error("Empty send must not reach the provider")
	}
}

func TestSendInsertsSystemPromptFirst(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("ok")}
	o, store := newOpenOrchestrator(t, p)

	if err := o.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(p.lastMessages) != 2 {
		t.Fatalf("Wire messages = %d, want system + user", len(p.lastMessages))
	}
	if p.lastMessages[0].Role != "system" {
		t.Errorf("First wire message role = %q", p.lastMessages[0].Role)
	}
	if p.lastMessages[0].Content != store.Current().Settings.SystemPrompt {
		t.Error("System message should carry the conversation's system prompt")
	}
	if p.lastMessages[1].Role != "user" || p.lastMessages[1].Content != "hello" {
		t.Errorf("Second wire message = %+v", p.lastMessages[1])
	}
}

func TestSendUsesConversationSettings(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("ok")}
	o, store := newTestOrchestrator(t, p)

	store.Create("Tuned")
	store.UpdateSettings(0.4, 512, "short answers")

	if err := o.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if p.lastOpts.Temperature != 0.4 || p.lastOpts.MaxTokens != 512 {
		t.Errorf("Options = %+v", p.lastOpts)
	}
	if p.lastOpts.Model != model.DefaultModel {
		t.Errorf("Model = %q", p.lastOpts.Model)
	}
}

func TestSendKeepsPartialOnStreamError(t *testing.T) {
	p := &scriptedProvider{deltas: []openrouter.Delta{
		{Content: "partial "},
		{Content: "answer"},
		{Err: errors.New("connection reset")},
	}}
	o, store := newOpenOrchestrator(t, p)

	err := o.Send(context.Background(), "doomed question")
	if err == nil {
		t.Fatal("Expected stream error")
	}

	conv := store.Current()
	if conv.MessageCount() != 2 {
		t.Fatalf("Message count = %d, want user + partial reply", conv.MessageCount())
	}
	if conv.GetLastMessage().GetDisplayContent() != "partial answer" {
		t.Errorf("Partial = %q", conv.GetLastMessage().GetDisplayContent())
	}
	if o.State() != StateError {
		t.Errorf("State = %v, want error", o.State())
	}
	if o.LastError() == nil {
		t.Error("LastError should be set")
	}
}

func TestSendDropsEmptyReplyOnStreamError(t *testing.T) {
	p := &scriptedProvider{deltas: []openrouter.Delta{{Err: errors.New("boom")}}}
	o, store := newOpenOrchestrator(t, p)

	if err := o.Send(context.Background(), "question"); err == nil {
		t.Fatal("Expected stream error")
	}

	conv := store.Current()
	if conv.MessageCount() != 1 {
		t.Fatalf("Message count = %d, want just the user turn", conv.MessageCount())
	}
	if conv.GetLastMessage().Role != model.RoleUser {
		t.Error("The failed reply must not appear in history")
	}
}

func TestSendConnectionErrorKeepsUserTurn(t *testing.T) {
	p := &scriptedProvider{connErr: openrouter.ErrNotConfigured}
	o, store := newOpenOrchestrator(t, p)

	err := o.Send(context.Background(), "hello")
	if !errors.Is(err, openrouter.ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
	if store.Current().MessageCount() != 1 {
		t.Error("User turn must be committed before the request goes out")
	}
}

func TestSendRejectsConcurrentSends(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	p := &scriptedProvider{deltas: textDeltas("slow"), started: started, block: block}
	o, _ := newOpenOrchestrator(t, p)

	done := make(chan error, 1)
	go func() { done <- o.Send(context.Background(), "first") }()

	<-started
	if err := o.Send(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	close(block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("First send failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("First send did not finish")
	}
}

func TestRegenerateReplacesLastReply(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("first answer")}
	o, store := newOpenOrchestrator(t, p)

	if err := o.Send(context.Background(), "question"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	p.deltas = textDeltas("second answer")
	if err := o.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}

	conv := store.Current()
	if conv.MessageCount() != 2 {
		t.Fatalf("Message count = %d, want 2", conv.MessageCount())
	}
	if conv.GetLastMessage().GetDisplayContent() != "second answer" {
		t.Errorf("Reply = %q", conv.GetLastMessage().GetDisplayContent())
	}

	// The discarded reply must not be in the request history.
	for _, m := range p.lastMessages {
		if m.Content == "first answer" {
			t.Error("Old reply leaked into the regeneration request")
		}
	}
}

func TestRegenerateNoOpWithoutAssistantReply(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("never")}
	o, store := newTestOrchestrator(t, p)

	conv, _ := store.Create("Pending")
	conv.AddMessage(model.NewUserMessage("unanswered", nil))

	if err := o.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate must be silent, got %v", err)
	}
	if p.calls != 0 {
		t.Error("Regenerate with no assistant reply must not call the provider")
	}
	if conv.MessageCount() != 1 {
		t.Errorf("History changed: %d messages", conv.MessageCount())
	}
}

func TestRegenerateNoOpWithoutPrecedingUserTurn(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("never")}
	o, store := newTestOrchestrator(t, p)

	// Deleting the user turn can leave a lone assistant reply behind.
	conv, _ := store.Create("Orphan")
	reply := model.NewAssistantMessage(model.DefaultModel)
	reply.AppendDelta("orphan reply")
	reply.FinalizeStream()
	conv.AddMessage(reply)

	if err := o.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate must be silent, got %v", err)
	}
	if p.calls != 0 {
		t.Errorf("Provider calls = %d, want 0", p.calls)
	}
	if conv.MessageCount() != 1 {
		t.Errorf("History changed: %d messages", conv.MessageCount())
	}
}

func TestRegenerateNoOpWithoutConversation(t *testing.T) {
	p := &scriptedProvider{}
	o, _ := newTestOrchestrator(t, p)

	if err := o.Regenerate(context.Background()); err != nil {
		t.Errorf("Expected silent no-op, got %v", err)
	}
}

func TestEditUserMessageTruncatesWithoutResending(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("old reply")}
	o, store := newOpenOrchestrator(t, p)

	if err := o.Send(context.Background(), "original question"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	conv := store.Current()
	userID := conv.Messages[0].ID

	if err := o.EditMessage(userID, "edited question"); err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}

	if p.calls != 1 {
		t.Errorf("Provider calls = %d, editing must not resend", p.calls)
	}
	if conv.MessageCount() != 1 {
		t.Errorf("Message count = %d, the stale reply must be dropped", conv.MessageCount())
	}
	if conv.Messages[0].GetDisplayContent() != "edited question" {
		t.Errorf("Edited content = %q", conv.Messages[0].GetDisplayContent())
	}

	// Regeneration is the separate, explicit follow-up.
	p.deltas = textDeltas("new reply")
	if err := o.Send(context.Background(), "follow up"); err != nil {
		t.Fatalf("Send after edit failed: %v", err)
	}
	if conv.GetLastMessage().GetDisplayContent() != "new reply" {
		t.Errorf("Reply = %q", conv.GetLastMessage().GetDisplayContent())
	}
}

func TestEditAssistantMessageTruncatesTail(t *testing.T) {
	p := &scriptedProvider{}
	o, store := newTestOrchestrator(t, p)

	conv, _ := store.Create("History")
	conv.AddMessage(model.NewUserMessage("first", nil))
	reply := model.NewAssistantMessage(model.DefaultModel)
	reply.AppendDelta("stale")
	reply.FinalizeStream()
	conv.AddMessage(reply)
	conv.AddMessage(model.NewUserMessage("second", nil))

	if err := o.EditMessage(reply.ID, "corrected"); err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}

	if conv.MessageCount() != 2 {
		t.Errorf("Message count = %d, edits truncate the tail for every role", conv.MessageCount())
	}
	if conv.GetLastMessage().GetDisplayContent() != "corrected" {
		t.Errorf("Edited content = %q", conv.GetLastMessage().GetDisplayContent())
	}
	if p.calls != 0 {
		t.Errorf("Provider calls = %d, want 0", p.calls)
	}
}

func TestEditUnknownMessageIsNoOp(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("reply")}
	o, store := newOpenOrchestrator(t, p)

	o.Send(context.Background(), "question")
	calls := p.calls

	if err := o.EditMessage("msg_missing", "new"); err != nil {
		t.Fatalf("Expected silent no-op, got %v", err)
	}
	if p.calls != calls {
		t.Error("No-op edit must not trigger a request")
	}
	if store.Current().MessageCount() != 2 {
		t.Error("History must be unchanged")
	}
}

func TestDeleteMessage(t *testing.T) {
	p := &scriptedProvider{deltas: textDeltas("reply")}
	o, store := newOpenOrchestrator(t, p)

	o.Send(context.Background(), "question")
	conv := store.Current()
	replyID := conv.GetLastMessage().ID

	if err := o.DeleteMessage(replyID); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if conv.MessageCount() != 1 {
		t.Errorf("Message count = %d", conv.MessageCount())
	}
}
