// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured logger used by lspgate.
//
// Logs always go to stderr, because stdout carries the protocol. Editors
// often hide a language server's stderr, so logs can also be written to a
// file:
//
//	logger, err := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    Format:  logging.FormatAuto,
//	    Dir:     "~/.lspgate/logs",
//	    Service: "lspgate",
//	}, os.Stderr)
//	defer logger.Close()
//
// The file is named "{Service}_{YYYY-MM-DD}.log" and is always JSON.
//
// # Security Considerations
//
// This package does NOT redact anything. Do not log document contents or
// compiler arguments that may carry secrets at Info or above.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Configuration
// =============================================================================

// Format names the stderr output format.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"

	// FormatText writes slog's key=value text.
	FormatText Format = "text"

	// FormatAuto writes text when the output is a terminal and JSON
	// otherwise.
	FormatAuto Format = "auto"
)

// Config configures a Logger.
//
// A zero Config writes Info and above to the output as JSON.
type Config struct {
	// Level sets the minimum level for every destination.
	Level slog.Level

	// Format selects the output format. File logs ignore it.
	Format Format

	// Dir enables file logging to this directory. It is created with 0750
	// permissions and supports a leading ~.
	Dir string

	// Service is added to every entry as the "service" attribute and names
	// the log file. Default: "lspgate".
	Service string
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps a slog.Logger that fans out to stderr and an optional file.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string

	mu     sync.Mutex
	closed bool
}

// New creates a logger writing to out and, when cfg.Dir is set, to a file.
//
// Description:
//
//	A log file that cannot be created is an error so a misconfigured path
//	is not silently ignored; the stderr destination is unaffected by it.
//
// Inputs:
//
//	cfg - Logger configuration.
//	out - Primary destination, normally os.Stderr.
//
// Outputs:
//
//	*Logger - The logger. Call Close when done.
//	error - Non-nil if the log directory or file could not be created.
func New(cfg Config, out io.Writer) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	service := cfg.Service
	if service == "" {
		service = "lspgate"
	}

	var primary slog.Handler
	if useText(cfg.Format, out) {
		primary = slog.NewTextHandler(out, opts)
	} else {
		primary = slog.NewJSONHandler(out, opts)
	}

	l := &Logger{}
	handler := primary
	if cfg.Dir != "" {
		dir := expandPath(cfg.Dir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		l.path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		handler = &multiHandler{handlers: []slog.Handler{primary, slog.NewJSONHandler(file, opts)}}
	}

	l.slog = slog.New(handler.WithAttrs([]slog.Attr{slog.String("service", service)}))
	return l, nil
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Path returns the log file path, or "" without file logging.
func (l *Logger) Path() string { return l.path }

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		l.closed = true
		return nil
	}
	l.closed = true
	return errors.Join(l.file.Sync(), l.file.Close())
}

func useText(format Format, out io.Writer) bool {
	switch format {
	case FormatText:
		return true
	case FormatAuto:
		f, ok := out.(*os.File)
		return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	default:
		return false
	}
}

// =============================================================================
// Internal Helpers
// =============================================================================

// multiHandler fans records out to every handler that enables the level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath replaces a leading ~ with the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
