// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index defines the contract the visibility tracker uses to tell a
// code index which compiled units are visible, and an in-memory recorder
// implementing it.
package index

import (
	"sort"
	"sync"
)

// Index controls which compiled unit outputs a code index considers.
//
// Both calls are fire-and-forget. waitForProcessing asks the index to block
// until the change is applied; the gateway always passes false.
type Index interface {
	AddUnitOutputPaths(paths []string, waitForProcessing bool)
	RemoveUnitOutputPaths(paths []string, waitForProcessing bool)
}

// SessionLocal is implemented by indexes whose visible set starts empty in
// every process. A mapping saved by an earlier session describes nothing
// such an index holds.
type SessionLocal interface {
	SessionLocal() bool
}

// IsSessionLocal reports whether idx forgets its visible set between
// sessions.
func IsSessionLocal(idx Index) bool {
	sl, ok := idx.(SessionLocal)
	return ok && sl.SessionLocal()
}

// Op is the kind of a recorded call.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Call is one recorded Index call.
type Call struct {
	Op    Op       `json:"op"`
	Paths []string `json:"paths"`
	Wait  bool     `json:"wait"`
}

// Memory is an Index that keeps the visible set in memory.
//
// Description:
//
//	Adding a visible path or removing an absent one is a no-op for the
//	visible set; every call is still recorded.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	visible map[string]struct{}
	calls   []Call
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{visible: make(map[string]struct{})}
}

// AddUnitOutputPaths marks paths visible.
func (m *Memory) AddUnitOutputPaths(paths []string, waitForProcessing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.visible[p] = struct{}{}
	}
	m.calls = append(m.calls, Call{Op: OpAdd, Paths: append([]string(nil), paths...), Wait: waitForProcessing})
}

// RemoveUnitOutputPaths marks paths invisible.
func (m *Memory) RemoveUnitOutputPaths(paths []string, waitForProcessing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.visible, p)
	}
	m.calls = append(m.calls, Call{Op: OpRemove, Paths: append([]string(nil), paths...), Wait: waitForProcessing})
}

// SessionLocal reports true; a new Memory is always empty.
func (m *Memory) SessionLocal() bool { return true }

// Visible returns the visible paths in lexical order.
func (m *Memory) Visible() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.visible))
	for p := range m.visible {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Calls returns a copy of every call received, oldest first.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset forgets both the visible set and the call log.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible = make(map[string]struct{})
	m.calls = nil
}

var (
	_ Index        = (*Memory)(nil)
	_ SessionLocal = (*Memory)(nil)
)
