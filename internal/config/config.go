// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete mag configuration.
type Config struct {
	// Chat holds the defaults applied to new conversations.
	Chat ChatConfig `toml:"chat"`

	// API holds the OpenRouter endpoint configuration.
	API APIConfig `toml:"api"`

	// Storage selects where conversation state lives.
	Storage StorageConfig `toml:"storage"`
}

// ChatConfig contains the defaults for new conversations.
type ChatConfig struct {
	// Model is the default model for new conversations.
	Model string `toml:"model"`
	// Temperature is the default sampling temperature (0-2).
	Temperature float64 `toml:"temperature"`
	// MaxTokens is the default completion token budget.
	MaxTokens int `toml:"max_tokens"`
	// SystemPrompt overrides the built-in assistant persona when set.
	SystemPrompt string `toml:"system_prompt"`
}

// APIConfig contains the OpenRouter endpoint configuration.
type APIConfig struct {
	// BaseURL is the API endpoint. Only change this for proxies or tests.
	BaseURL string `toml:"base_url"`
	// SiteURL is sent as the HTTP-Referer attribution header.
	SiteURL string `toml:"site_url"`
	// SiteName is sent as the X-Title attribution header.
	SiteName string `toml:"site_name"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `toml:"backend"`
	// DataDir overrides the default ~/.mag state location.
	DataDir string `toml:"data_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Chat: ChatConfig{
			Model:       model.DefaultModel,
			Temperature: model.DefaultTemperature,
			MaxTokens:   model.DefaultMaxTokens,
		},
		API: APIConfig{
			BaseURL:  "https://openrouter.ai/api/v1",
			SiteURL:  "https://mag.chat",
			SiteName: "MAG",
		},
		Storage: StorageConfig{
			Backend: "file",
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// Dir returns the mag configuration directory (~/.mag).
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".mag"), nil
}

// Path returns the path of the TOML configuration file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load reads the configuration file, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		cfg.fillDefaults()
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills missing values after decoding a partial file.
func (c *Config) fillDefaults() {
	defaults := Default()
	if c.Chat.Model == "" {
		c.Chat.Model = defaults.Chat.Model
	}
	if c.Chat.Temperature == 0 {
		c.Chat.Temperature = defaults.Chat.Temperature
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = defaults.Chat.MaxTokens
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaults.API.BaseURL
	}
	if c.API.SiteURL == "" {
		c.API.SiteURL = defaults.API.SiteURL
	}
	if c.API.SiteName == "" {
		c.API.SiteName = defaults.API.SiteName
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
}

// ApplyEnvOverrides applies MAG_* environment variables over the loaded
// configuration. The API key is not handled here; the client reads it.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MAG_MODEL"); v != "" {
		c.Chat.Model = v
	}
	if v := os.Getenv("MAG_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Chat.Temperature = f
		}
	}
	if v := os.Getenv("MAG_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("MAG_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("MAG_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for values the rest of the app cannot
// work with.
func (c *Config) Validate() error {
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return fmt.Errorf("chat.temperature must be between 0 and 2, got %v", c.Chat.Temperature)
	}
	if c.Chat.MaxTokens < 1 {
		return fmt.Errorf("chat.max_tokens must be positive, got %d", c.Chat.MaxTokens)
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be \"file\" or \"sqlite\", got %q", c.Storage.Backend)
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration to a TOML file.
// SECURITY: Config files are written with 0600 permissions.
func SaveToPath(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# mag configuration file\n")
	buf.WriteString("# Generated by mag - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// SETTINGS BRIDGE
// =============================================================================

// Settings maps the chat defaults onto a conversation Settings value.
func (c *Config) Settings() model.Settings {
	s := model.DefaultSettings()
	s.Model = c.Chat.Model
	s.Temperature = c.Chat.Temperature
	s.MaxTokens = c.Chat.MaxTokens
	if c.Chat.SystemPrompt != "" {
		s.SystemPrompt = c.Chat.SystemPrompt
	}
	return s
}
