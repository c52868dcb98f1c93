// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buildgraph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(s ...string) []TargetID {
	out := make([]TargetID, len(s))
	for i, v := range s {
		out[i] = TargetID(v)
	}
	return out
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		targets []Target
		roots   []TargetID
		want    []TargetID
	}{
		{
			name: "acyclic chain",
			targets: []Target{
				{ID: "a", Dependencies: ids("b")},
				{ID: "b", Dependencies: ids("c")},
				{ID: "c"},
			},
			roots: ids("a"),
			want:  ids("a", "b", "c"),
		},
		{
			name: "cycle terminates",
			targets: []Target{
				{ID: "a", Dependencies: ids("b")},
				{ID: "b", Dependencies: ids("a")},
			},
			roots: ids("a"),
			want:  ids("a", "b"),
		},
		{
			name: "self loop",
			targets: []Target{
				{ID: "a", Dependencies: ids("a")},
			},
			roots: ids("a"),
			want:  ids("a"),
		},
		{
			name: "diamond",
			targets: []Target{
				{ID: "a", Dependencies: ids("b", "c")},
				{ID: "b", Dependencies: ids("d")},
				{ID: "c", Dependencies: ids("d")},
				{ID: "d"},
			},
			roots: ids("a"),
			want:  ids("a", "b", "c", "d"),
		},
		{
			name: "unknown dependency is a leaf",
			targets: []Target{
				{ID: "a", Dependencies: ids("ghost")},
			},
			roots: ids("a"),
			want:  ids("a", "ghost"),
		},
		{
			name:    "unknown root is a leaf",
			targets: nil,
			roots:   ids("x"),
			want:    ids("x"),
		},
		{
			name: "unreachable targets excluded",
			targets: []Target{
				{ID: "a"},
				{ID: "b", Dependencies: ids("a")},
			},
			roots: ids("a"),
			want:  ids("a"),
		},
		{
			name: "duplicate roots",
			targets: []Target{
				{ID: "a", Dependencies: ids("b")},
				{ID: "b"},
			},
			roots: ids("a", "a", "b"),
			want:  ids("a", "b"),
		},
		{
			name:    "empty scheme",
			targets: []Target{{ID: "a"}},
			roots:   nil,
			want:    ids(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveSorted(NewScheme(tt.roots...), TargetMap(tt.targets))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_DenseGraph(t *testing.T) {
	// A dense graph where every node depends on every other node.
	const n = 50
	var targets []Target
	for i := 0; i < n; i++ {
		var deps []TargetID
		for j := 0; j < n; j++ {
			deps = append(deps, TargetID(fmt.Sprintf("t%d", j)))
		}
		targets = append(targets, Target{ID: TargetID(fmt.Sprintf("t%d", i)), Dependencies: deps})
	}

	got := Resolve(NewScheme("t0"), TargetMap(targets))
	require.Len(t, got, n)
}

func TestResolve_ClosureIsClosed(t *testing.T) {
	targets := TargetMap([]Target{
		{ID: "app", Dependencies: ids("ui", "net")},
		{ID: "ui", Dependencies: ids("core")},
		{ID: "net", Dependencies: ids("core", "tls")},
		{ID: "core"},
		{ID: "tls", Dependencies: ids("core")},
		{ID: "tool", Dependencies: ids("core")},
	})

	got := Resolve(NewScheme("app"), targets)

	for id := range got {
		for _, dep := range targets[id].Dependencies {
			_, ok := got[dep]
			assert.True(t, ok, "%s depends on %s which is missing from the closure", id, dep)
		}
	}
	_, hasTool := got["tool"]
	assert.False(t, hasTool)
}

func TestTargetMap_LastWins(t *testing.T) {
	m := TargetMap([]Target{
		{ID: "a", DisplayName: "first"},
		{ID: "a", DisplayName: "second"},
	})
	require.Len(t, m, 1)
	assert.Equal(t, "second", m["a"].DisplayName)
}
