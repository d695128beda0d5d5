// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// MaxEventSize is the maximum allowed size for a single SSE event (64KB).
const MaxEventSize = 64 * 1024

// Delta is one streamed fragment of assistant output. A terminal failure is
// delivered as the final Delta with Err set; the channel closes after it.
type Delta struct {
	Content string
	Err     error
}

// streamChunk is the wire structure of one streamed completion chunk.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// content returns the text of the first choice's delta.
func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// done reports whether the chunk carries a finish reason.
func (c *streamChunk) done() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadData returns the data payload of the next SSE event. Comment lines and
// non-data fields are skipped. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadData() ([]byte, error) {
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxEventSize {
				return nil, fmt.Errorf("SSE event too large: %d bytes", size)
			}
			dataLines = append(dataLines, data)
		}
		// Ignore event:, id:, retry: and comment lines.
	}
}

// =============================================================================
// STREAMING COMPLETIONS
// =============================================================================

// StreamCompletion performs a streaming chat completion request.
//
// Connection and HTTP-level errors are returned synchronously so callers can
// distinguish "never started" from "failed mid-stream". Once the stream is
// open, fragments arrive on the returned channel; a mid-stream failure is
// delivered as a final Delta with Err set, after any partial content.
func (c *Client) StreamCompletion(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (<-chan Delta, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	resp, err := c.sendStreamRequest(ctx, c.buildRequest(messages, opts, true))
	if err != nil {
		return nil, err
	}

	deltas := make(chan Delta, 64)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		reader := NewSSEReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				deltas <- Delta{Err: ctx.Err()}
				return
			default:
			}

			data, err := reader.ReadData()
			if err != nil {
				if err == io.EOF {
					return
				}
				deltas <- Delta{Err: fmt.Errorf("stream read: %w", err)}
				return
			}

			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				// Malformed frames are skipped, not fatal.
				log.Printf("Skipping malformed stream frame: %v", err)
				continue
			}

			if content := chunk.content(); content != "" {
				select {
				case deltas <- Delta{Content: content}:
				case <-ctx.Done():
					deltas <- Delta{Err: ctx.Err()}
					return
				}
			}

			if chunk.done() {
				return
			}
		}
	}()

	return deltas, nil
}

// sendStreamRequest sends the streaming HTTP request and checks the status.
func (c *Client) sendStreamRequest(ctx context.Context, reqBody ChatRequest) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.logRequest(req)

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	return resp, nil
}
