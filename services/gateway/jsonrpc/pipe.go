// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"io"
	"log/slog"
	"sync"
)

// NewPipe returns two connected in-memory connections.
//
// Description:
//
//	Messages written on one side are read by the other. Used to embed a
//	backend in-process and in tests.
func NewPipe(nameA, nameB string, logger *slog.Logger) (*Conn, *Conn) {
	a, b := Pipe()
	return NewFromReadWriteCloser(a, WithName(nameA), WithLogger(logger)),
		NewFromReadWriteCloser(b, WithName(nameB), WithLogger(logger))
}

// Pipe returns the two ends of an in-memory byte pipe.
//
// Writes never block on the reader, matching the buffering an OS pipe gives
// a stdio peer. Closing either end closes both directions.
func Pipe() (io.ReadWriteCloser, io.ReadWriteCloser) {
	ab, ba := newBuffer(), newBuffer()
	return &pipeEnd{r: ba, w: ab}, &pipeEnd{r: ab, w: ba}
}

// buffer is an unbounded one-way byte queue.
type buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *buffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// pipeEnd is one side of a Pipe.
type pipeEnd struct {
	r *buffer
	w *buffer
}

func (p *pipeEnd) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeEnd) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeEnd) Close() error {
	p.w.close()
	p.r.close()
	return nil
}
