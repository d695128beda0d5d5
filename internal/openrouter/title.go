// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/util"
)

// titleMaxTokens bounds the title generation request.
const titleMaxTokens = 20

// GenerateTitle asks the model for a short conversation title based on the
// first exchange. It never fails: any error falls back to the default
// title so conversation flow is not interrupted by a cosmetic request.
func (c *Client) GenerateTitle(ctx context.Context, userMessage, assistantReply string) string {
	if strings.TrimSpace(userMessage) == "" {
		return model.DefaultTitle
	}

	exchange := util.TruncateRunes(userMessage, 200)
	if strings.TrimSpace(assistantReply) != "" {
		exchange += "\n" + util.TruncateRunes(assistantReply, 200)
	}
	prompt := fmt.Sprintf(
		"Generate a very short title (3-5 words, no quotes, no punctuation at the end) for a conversation that starts with:\n%s",
		exchange,
	)

	resp, err := c.CreateCompletion(ctx, []ChatMessage{NewUserMessage(prompt)}, CompletionOptions{
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		log.Printf("Title generation failed, using default: %v", err)
		return model.DefaultTitle
	}

	title := cleanTitle(resp.GetContent())
	if title == "" {
		return model.DefaultTitle
	}
	return title
}

// cleanTitle strips quotes, whitespace and trailing punctuation the model
// tends to add despite instructions.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.TrimRight(title, ".")
	title = util.CollapseLine(title)
	return util.TruncateRunes(title, 60)
}

// Summarize condenses a conversation into a short paragraph.
func (c *Client) Summarize(ctx context.Context, messages []ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	prompt := []ChatMessage{
		NewSystemMessage("Summarize the following conversation in one short paragraph. Mention the main topic and any conclusions reached."),
	}
	prompt = append(prompt, messages...)

	resp, err := c.CreateCompletion(ctx, prompt, CompletionOptions{MaxTokens: 256})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.GetContent()), nil
}

// Translate translates text to the target language.
func (c *Client) Translate(ctx context.Context, text, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("nothing to translate")
	}

	resp, err := c.CreateCompletion(ctx, []ChatMessage{
		NewSystemMessage(fmt.Sprintf("Translate the user's message to %s. Reply with the translation only.", language)),
		NewUserMessage(text),
	}, CompletionOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.GetContent()), nil
}
