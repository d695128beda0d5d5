// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openrouter implements the OpenRouter chat-completion client.
//
// OpenRouter provides access to multiple LLM providers through a single
// OpenAI-compatible API. This package is the only part of mag that talks
// to the network: one-shot completions, SSE streaming completions, model
// listing, title generation, and the pure export/search text transforms.
//
// # Key Types
//
//   - Client: the API client (key management, retry, rate limiting)
//   - ChatMessage: wire-format message ({role, content})
//   - CompletionOptions: per-request generation parameters
//   - Delta: one streamed text fragment (or a terminal error)
//   - APIError: non-2xx response with status and provider message
//
// # Usage
//
//	client := openrouter.NewClient(kv)
//	deltas, err := client.StreamCompletion(ctx, messages, opts)
//	for d := range deltas {
//	    if d.Err != nil { ... }
//	    fmt.Print(d.Content)
//	}
package openrouter
