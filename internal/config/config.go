// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the project configuration file and overlays the
// environment inputs (API key, backup token, checkpoint directory,
// request/depth/runtime limits, collection mode).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir  = ".fscrawl"
	defaultConfigFile = "project.yaml"
	configVersion     = "1"
)

// Config is the on-disk project.yaml plus the environment overlay applied
// by Load.
type Config struct {
	Version         string `yaml:"version"`
	CheckpointDir   string `yaml:"checkpoint_dir"`
	MaxRequests     int    `yaml:"max_requests"`
	MaxDepth        int    `yaml:"max_depth"`
	MaxRuntimeHour  int    `yaml:"max_runtime_hours"`
	CollectionMode  string `yaml:"collection_mode"` // "limit" | "queue_empty"
	CheckpointEvery int    `yaml:"checkpoint_every_n"`

	// APIKey and BackupToken are populated only from the environment and
	// never persisted.
	APIKey      string `yaml:"-"`
	BackupToken string `yaml:"-"`
}

// Default returns the built-in defaults: max_requests 1950 (the circuit
// breaker, below the hard 2000/day ceiling), collection mode "limit".
func Default() *Config {
	return &Config{
		Version:         configVersion,
		CheckpointDir:   "./checkpoint",
		MaxRequests:     1950,
		MaxDepth:        2,
		MaxRuntimeHour:  6,
		CollectionMode:  "limit",
		CheckpointEvery: 50,
	}
}

// Load reads the project.yaml at path (or the default location if path is
// empty), falling back to Default() when no file exists, then applies the
// environment overlay. Precedence for each field: explicit env var >
// project.yaml > built-in default.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err == nil {
		data, readErr := os.ReadFile(resolved)
		if readErr == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", resolved, err)
			}
		} else if !os.IsNotExist(readErr) {
			return nil, fmt.Errorf("read config %s: %w", resolved, readErr)
		}
	}

	applyEnvOverlay(cfg)

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("FREESOUND_API_KEY is required")
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("FREESOUND_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("FREESOUND_BACKUP_TOKEN"); v != "" {
		cfg.BackupToken = v
	}
	if v := os.Getenv("CHECKPOINT_DIR"); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv("MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRequests = n
		}
	}
	if v := os.Getenv("MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDepth = n
		}
	}
	if v := os.Getenv("MAX_RUNTIME_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRuntimeHour = n
		}
	}
	if v := os.Getenv("COLLECTION_MODE"); v != "" {
		cfg.CollectionMode = v
	}
}

// resolvePath resolves the config file path with precedence: explicit
// path argument > FSCRAWL_CONFIG_PATH env var > ./.fscrawl/project.yaml.
func resolvePath(path string) (string, error) {
	if path != "" {
		return absPath(path)
	}
	if envPath := os.Getenv("FSCRAWL_CONFIG_PATH"); envPath != "" {
		return absPath(envPath)
	}
	return absPath(filepath.Join(defaultConfigDir, defaultConfigFile))
}

func absPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Redacted returns a copy of cfg with secrets masked, for the "config"
// subcommand's reporting output.
func (c *Config) Redacted() map[string]any {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	return map[string]any{
		"checkpoint_dir":     c.CheckpointDir,
		"max_requests":       c.MaxRequests,
		"max_depth":          c.MaxDepth,
		"max_runtime_hours":  c.MaxRuntimeHour,
		"collection_mode":    c.CollectionMode,
		"checkpoint_every_n": c.CheckpointEvery,
		"api_key":            mask(c.APIKey),
		"backup_token":       mask(c.BackupToken),
	}
}
