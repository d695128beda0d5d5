// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sufiyansj/mag/internal/model"
)

// =============================================================================
// EXPORT
// =============================================================================

// ExportFormat selects the serialization for ExportConversation.
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatMarkdown ExportFormat = "markdown"
	FormatText     ExportFormat = "txt"
)

// ExportConversation renders a conversation in the given format.
//
// JSON carries the full conversation including settings. Markdown and plain
// text are reading formats: system messages are omitted and roles are shown
// by display name.
func ExportConversation(conv *model.Conversation, format ExportFormat) (string, error) {
	if conv == nil {
		return "", fmt.Errorf("no conversation to export")
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(conv, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal conversation: %w", err)
		}
		return string(data), nil

	case FormatMarkdown:
		var sb strings.Builder
		sb.WriteString("# " + conv.GetTitle() + "\n\n")
		sb.WriteString(fmt.Sprintf("*Exported %s · %d messages*\n\n",
			conv.UpdatedAt.Format("2006-01-02 15:04"), conv.MessageCount()))
		for _, msg := range conv.Messages {
			if msg.Role == model.RoleSystem {
				continue
			}
			sb.WriteString("## " + msg.Role.DisplayName() + "\n\n")
			sb.WriteString("*" + msg.Timestamp.Format("2006-01-02 15:04") + "*\n\n")
			sb.WriteString(msg.GetDisplayContent() + "\n\n")
		}
		return sb.String(), nil

	case FormatText:
		var sb strings.Builder
		sb.WriteString(conv.GetTitle() + "\n")
		sb.WriteString(strings.Repeat("=", len(conv.GetTitle())) + "\n\n")
		for _, msg := range conv.Messages {
			if msg.Role == model.RoleSystem {
				continue
			}
			sb.WriteString(msg.Role.DisplayName() + ":\n")
			sb.WriteString(msg.GetDisplayContent() + "\n\n")
		}
		return sb.String(), nil

	default:
		return "", fmt.Errorf("unsupported export format: %q", format)
	}
}

// =============================================================================
// SEARCH
// =============================================================================

// SearchMessages returns the messages whose content contains the query,
// case-insensitive. An empty query matches nothing.
func SearchMessages(messages []*model.Message, query string) []*model.Message {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var matched []*model.Message
	for _, msg := range messages {
		if strings.Contains(strings.ToLower(msg.GetDisplayContent()), query) {
			matched = append(matched, msg)
		}
	}
	return matched
}
