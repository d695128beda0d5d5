// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// ProviderOpenRouter is the only supported provider tag today. Settings
// loaded with anything else are migrated onto it.
const ProviderOpenRouter = "openrouter"

// SettingsVersion is the current settings schema version. Persisted
// settings with a lower version are rewritten onto the current defaults.
const SettingsVersion = 1

// Default generation settings applied to new conversations.
const (
	DefaultModel       = "minimax/minimax-m2:free"
	DefaultTemperature = 2.0
	DefaultMaxTokens   = 32768

	DefaultSystemPrompt = "You are MAG, a helpful and friendly AI assistant. " +
		"You provide accurate and creative responses. If anyone asks who created you, " +
		"who made you, who built you, or who your creator is, always respond: " +
		"'I was created by Abusufiyan Jahagirdar. Connect with him on Instagram: " +
		"https://www.instagram.com/sufiyanjahagirdar'"
)

// Settings holds the per-conversation generation configuration.
//
// The system prompt is prepended to every request as a synthetic system
// message; it is never stored in the conversation's message history.
type Settings struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Provider     string  `json:"provider"`
	Version      int     `json:"version,omitempty"`
}

// DefaultSettings returns the settings applied to new conversations.
func DefaultSettings() Settings {
	return Settings{
		Model:        DefaultModel,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		SystemPrompt: DefaultSystemPrompt,
		Provider:     ProviderOpenRouter,
		Version:      SettingsVersion,
	}
}

// Migrate forces stale settings onto the current defaults and reports
// whether anything changed. Provider and model are pinned to the single
// supported values; settings persisted under an older schema version get
// the current default system prompt.
//
// The pass is idempotent and only ever rewrites settings, never messages.
func (s *Settings) Migrate() bool {
	changed := false

	if s.Provider != ProviderOpenRouter || s.Model != DefaultModel {
		s.Provider = ProviderOpenRouter
		s.Model = DefaultModel
		changed = true
	}

	if s.Version < SettingsVersion {
		if s.SystemPrompt == "" || s.Version == 0 {
			s.SystemPrompt = DefaultSystemPrompt
		}
		s.Version = SettingsVersion
		changed = true
	}

	if s.Temperature == 0 {
		s.Temperature = DefaultTemperature
		changed = true
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
		changed = true
	}

	return changed
}
