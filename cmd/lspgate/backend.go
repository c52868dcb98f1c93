// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/AleutianAI/lspgate/services/gateway/config"
)

const backendStopTimeout = 5 * time.Second

// ErrBackendNotInstalled indicates the backend command is not on PATH.
var ErrBackendNotInstalled = errors.New("backend not installed")

// backendProcess is a running language server whose stdin and stdout form
// the backend connection stream.
type backendProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	closeOnce sync.Once
	exited    chan struct{}
	waitErr   error
}

// startBackend launches cfg.Command with cfg.Args in the working directory.
// The child's stderr is passed through to ours.
func startBackend(cfg config.BackendConfig, logger *slog.Logger) (*backendProcess, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotInstalled, cfg.Command)
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend: %w", err)
	}

	logger.Info("backend started",
		slog.String("command", path),
		slog.Int("pid", cmd.Process.Pid),
	)

	b := &backendProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
		exited: make(chan struct{}),
	}
	go func() {
		defer close(b.exited)
		b.waitErr = cmd.Wait()
	}()
	return b, nil
}

func (b *backendProcess) Read(p []byte) (int, error)  { return b.stdout.Read(p) }
func (b *backendProcess) Write(p []byte) (int, error) { return b.stdin.Write(p) }

// Close closes the child's stdin and waits for it to exit, killing it
// after backendStopTimeout.
func (b *backendProcess) Close() error {
	b.closeOnce.Do(func() {
		_ = b.stdin.Close()
		select {
		case <-b.exited:
		case <-time.After(backendStopTimeout):
			b.logger.Warn("backend did not exit, killing", slog.Int("pid", b.cmd.Process.Pid))
			_ = b.cmd.Process.Kill()
			<-b.exited
		}
		if b.waitErr != nil {
			b.logger.Info("backend exited", slog.String("error", b.waitErr.Error()))
		}
	})
	return nil
}

// stdio is the editor-facing stream.
type stdio struct {
	in  io.ReadCloser
	out io.Writer
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s stdio) Close() error                { return s.in.Close() }
