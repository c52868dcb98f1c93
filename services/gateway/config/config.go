// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates gateway configuration.
//
// Configuration is read from a YAML file, overlaid with LSPGATE_*
// environment variables, then validated with struct tags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lspgate/services/gateway/telemetry"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

// =============================================================================
// TYPES
// =============================================================================

// Config is the complete gateway configuration.
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Index       IndexConfig       `yaml:"index"`
	BuildSystem BuildSystemConfig `yaml:"build_system"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Debug       DebugConfig       `yaml:"debug"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// BackendConfig describes the language server process behind the gateway.
type BackendConfig struct {
	// Name labels the backend in logs.
	Name string `yaml:"name"`

	// Command is the backend executable.
	Command string `yaml:"command" validate:"required"`

	// Args are passed to Command.
	Args []string `yaml:"args"`

	// ClangPath is the compiler path placed in compilation database entries.
	ClangPath string `yaml:"clang_path" validate:"required"`
}

// IndexConfig controls index visibility tracking.
type IndexConfig struct {
	// ExplicitMode enables the visibility tracker.
	ExplicitMode bool `yaml:"explicit_mode"`

	// UnitSuffixes selects which build outputs count as index units.
	UnitSuffixes []string `yaml:"unit_suffixes" validate:"dive,required"`
}

// BuildSystemConfig points at the build system description.
type BuildSystemConfig struct {
	// Manifest is the path to a YAML build manifest.
	Manifest string `yaml:"manifest"`

	// Watch reloads the manifest when the file changes.
	Watch bool `yaml:"watch"`
}

// StorageConfig controls persistence of the visibility mapping.
type StorageConfig struct {
	// Path is the badger directory. Empty disables persistence unless
	// InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps the store in memory.
	InMemory bool `yaml:"in_memory"`

	// Workspace namespaces keys so several workspaces can share a store.
	Workspace string `yaml:"workspace" validate:"required"`
}

// Enabled reports whether a mapping store should be opened.
func (s StorageConfig) Enabled() bool {
	return s.InMemory || s.Path != ""
}

// LogConfig controls the stderr logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is json, text, or auto. Auto picks text on a terminal.
	Format string `yaml:"format" validate:"oneof=json text auto"`

	// Dir additionally writes JSON logs to a dated file in this directory.
	Dir string `yaml:"dir"`
}

// DebugConfig controls the debug HTTP surface.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultConfig returns a configuration for sourcekit-lsp with tracking
// disabled and persistence off.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Name:      "sourcekit-lsp",
			Command:   "sourcekit-lsp",
			ClangPath: "clang",
		},
		Index: IndexConfig{
			UnitSuffixes: []string{".o"},
		},
		Storage: StorageConfig{
			Workspace: "default",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Debug: DebugConfig{
			Address: "127.0.0.1:9464",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration.
//
// Description:
//
//	Starts from DefaultConfig, overlays the YAML file at path when path is
//	non-empty, applies LSPGATE_* environment overrides, then validates.
//
// Inputs:
//
//	path - YAML file path. Empty means defaults plus environment.
//
// Outputs:
//
//	Config - The loaded configuration.
//	error - Read, parse, or ErrInvalidConfig errors.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Index.ExplicitMode && c.BuildSystem.Manifest == "" {
		return fmt.Errorf("%w: index.explicit_mode requires build_system.manifest", ErrInvalidConfig)
	}
	return nil
}

// applyEnv overlays LSPGATE_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LSPGATE_BACKEND_COMMAND"); v != "" {
		cfg.Backend.Command = v
	}
	if v := os.Getenv("LSPGATE_BACKEND_ARGS"); v != "" {
		cfg.Backend.Args = strings.Fields(v)
	}
	if v := os.Getenv("LSPGATE_CLANG_PATH"); v != "" {
		cfg.Backend.ClangPath = v
	}
	if v := os.Getenv("LSPGATE_MANIFEST"); v != "" {
		cfg.BuildSystem.Manifest = v
	}
	if v, ok := envBool("LSPGATE_WATCH_MANIFEST"); ok {
		cfg.BuildSystem.Watch = v
	}
	if v, ok := envBool("LSPGATE_EXPLICIT_INDEX"); ok {
		cfg.Index.ExplicitMode = v
	}
	if v := os.Getenv("LSPGATE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LSPGATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LSPGATE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LSPGATE_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("LSPGATE_DEBUG_ADDR"); v != "" {
		cfg.Debug.Enabled = true
		cfg.Debug.Address = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// =============================================================================
// LOGGING
// =============================================================================

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
