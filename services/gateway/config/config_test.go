// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lspgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sourcekit-lsp", cfg.Backend.Command)
	assert.Equal(t, []string{".o"}, cfg.Index.UnitSuffixes)
	assert.False(t, cfg.Storage.Enabled())
	assert.False(t, cfg.Debug.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
backend:
  command: /usr/bin/sourcekit-lsp
  args: ["--log-level", "debug"]
index:
  explicit_mode: true
  unit_suffixes: [".o", ".swiftmodule"]
build_system:
  manifest: build.yaml
storage:
  in_memory: true
  workspace: ws1
log:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/sourcekit-lsp", cfg.Backend.Command)
	assert.Equal(t, []string{"--log-level", "debug"}, cfg.Backend.Args)
	assert.Equal(t, "clang", cfg.Backend.ClangPath, "unset keys keep defaults")
	assert.True(t, cfg.Index.ExplicitMode)
	assert.Equal(t, []string{".o", ".swiftmodule"}, cfg.Index.UnitSuffixes)
	assert.True(t, cfg.Storage.Enabled())
	assert.Equal(t, "ws1", cfg.Storage.Workspace)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Backend, cfg.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "backend: [unterminated"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LSPGATE_BACKEND_COMMAND", "clangd")
	t.Setenv("LSPGATE_BACKEND_ARGS", "--background-index --log=error")
	t.Setenv("LSPGATE_EXPLICIT_INDEX", "true")
	t.Setenv("LSPGATE_MANIFEST", "m.yaml")
	t.Setenv("LSPGATE_WATCH_MANIFEST", "1")
	t.Setenv("LSPGATE_LOG_LEVEL", "WARN")
	t.Setenv("LSPGATE_DEBUG_ADDR", "127.0.0.1:0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "clangd", cfg.Backend.Command)
	assert.Equal(t, []string{"--background-index", "--log=error"}, cfg.Backend.Args)
	assert.True(t, cfg.Index.ExplicitMode)
	assert.Equal(t, "m.yaml", cfg.BuildSystem.Manifest)
	assert.True(t, cfg.BuildSystem.Watch)
	assert.Equal(t, slog.LevelWarn, cfg.Log.SlogLevel())
	assert.True(t, cfg.Debug.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Debug.Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing command", func(c *Config) { c.Backend.Command = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"debug without address", func(c *Config) { c.Debug.Enabled = true; c.Debug.Address = "" }},
		{"empty suffix", func(c *Config) { c.Index.UnitSuffixes = []string{""} }},
		{"explicit without manifest", func(c *Config) { c.Index.ExplicitMode = true }},
		{"bad trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLogConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, LogConfig{Level: name}.SlogLevel(), name)
	}
}
