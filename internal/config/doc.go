// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for mag.
//
// # Key Types
//
//   - Config: main configuration structure
//   - ChatConfig: defaults for new conversations
//   - APIConfig: OpenRouter endpoint and attribution headers
//   - StorageConfig: state backend selection
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (MAG_*)
//   - ~/.mag/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	settings := cfg.Settings()
package config
