// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/sufiyansj/mag/internal/openrouter"
)

// Provider is the completion capability the orchestrator depends on.
type Provider interface {
	// StreamCompletion opens a streaming completion. Connection-level
	// failures are returned directly; mid-stream failures arrive as the
	// final Delta with Err set.
	StreamCompletion(ctx context.Context, messages []openrouter.ChatMessage, opts openrouter.CompletionOptions) (<-chan openrouter.Delta, error)

	// GenerateTitle produces a short conversation title from the first
	// exchange. It never fails; errors fall back to the default title.
	GenerateTitle(ctx context.Context, userMessage, assistantReply string) string
}
