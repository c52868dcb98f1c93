// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visibility

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
	"github.com/AleutianAI/lspgate/services/gateway/index"
)

// fakeManager is a build system whose output query can be held per target.
type fakeManager struct {
	mu         sync.Mutex
	targets    []buildgraph.Target
	outputs    func(ids []buildgraph.TargetID) []buildsystem.OutputsItem
	targetsErr error
	outputsErr error
	hold       map[buildgraph.TargetID]chan struct{}
}

func (f *fakeManager) BuildTargets(ctx context.Context) ([]buildgraph.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.targetsErr != nil {
		return nil, f.targetsErr
	}
	return append([]buildgraph.Target(nil), f.targets...), nil
}

func (f *fakeManager) BuildTargetOutputPaths(ctx context.Context, ids []buildgraph.TargetID) ([]buildsystem.OutputsItem, error) {
	f.mu.Lock()
	var gate chan struct{}
	for _, id := range ids {
		if g, ok := f.hold[id]; ok {
			gate = g
		}
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	outputs, err := f.outputs, f.outputsErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return outputs(ids), nil
}

// stemOutputs gives each target one unit output named after the last
// ":"-separated part of its identifier.
func stemOutputs(suffix string) func([]buildgraph.TargetID) []buildsystem.OutputsItem {
	return func(ids []buildgraph.TargetID) []buildsystem.OutputsItem {
		items := make([]buildsystem.OutputsItem, 0, len(ids))
		for _, id := range ids {
			parts := strings.Split(string(id), ":")
			items = append(items, buildsystem.OutputsItem{
				Target:      id,
				OutputPaths: []string{"file:///" + parts[len(parts)-1] + suffix},
			})
		}
		return items
	}
}

func abcdGraph() []buildgraph.Target {
	return []buildgraph.Target{
		{ID: "target://a:a"},
		{ID: "target://b:b", Dependencies: []buildgraph.TargetID{"target://a:a"}},
		{ID: "target://c:c", Dependencies: []buildgraph.TargetID{"target://b:b"}},
		{ID: "target://d:d"},
	}
}

// memStore is an in-memory MappingStore.
type memStore struct {
	mu      sync.Mutex
	saved   Mapping
	saves   int
	loadErr error
	saveErr error
}

func (s *memStore) LoadMapping(context.Context) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved.Clone(), s.loadErr
}

func (s *memStore) SaveMapping(_ context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = m.Clone()
	return nil
}

// gatedStore holds its first save until release is closed.
type gatedStore struct {
	memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) SaveMapping(ctx context.Context, m Mapping) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.memStore.SaveMapping(ctx, m)
}

func waitRun(t *testing.T, ch <-chan RunResult) RunResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run")
		return RunResult{}
	}
}

func TestNewTracker_RequiresDependencies(t *testing.T) {
	_, err := NewTracker(nil, index.NewMemory())
	assert.ErrorIs(t, err, ErrNilManager)
	_, err = NewTracker(&fakeManager{}, nil)
	assert.ErrorIs(t, err, ErrNilIndex)
}

func TestTracker_SchemeChangeEndToEnd(t *testing.T) {
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	idx := index.NewMemory()
	tr, err := NewTracker(mgr, idx)
	require.NoError(t, err)

	r := waitRun(t, tr.OnSchemeChange(context.Background(), buildgraph.NewScheme("target://c:c")))

	require.True(t, r.Committed)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, []buildgraph.TargetID{"target://a:a", "target://b:b", "target://c:c"}, r.Targets)
	assert.Equal(t, []string{"file:///a.o", "file:///b.o", "file:///c.o"}, r.Added)
	assert.Empty(t, r.Removed)
	assert.Equal(t, []string{"file:///a.o", "file:///b.o", "file:///c.o"}, idx.Visible())

	out := tr.Snapshot().Outputs()
	assert.Len(t, out, 3)
	assert.NotContains(t, out, "file:///d.o")
}

func TestTracker_RemoveThenAdd(t *testing.T) {
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	idx := index.NewMemory()
	tr, err := NewTracker(mgr, idx)
	require.NoError(t, err)
	ctx := context.Background()

	tr.Apply(ctx, buildgraph.NewScheme("target://b:b"))
	idx.Reset()

	r := tr.Apply(ctx, buildgraph.NewScheme("target://d:d"))
	require.True(t, r.Committed)

	calls := idx.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, index.Call{Op: index.OpRemove, Paths: []string{"file:///a.o", "file:///b.o"}}, calls[0])
	assert.Equal(t, index.Call{Op: index.OpAdd, Paths: []string{"file:///d.o"}}, calls[1])
	assert.Equal(t, Mapping{"target://d:d": {"file:///d.o"}}, tr.Snapshot())
}

func TestTracker_StaleRunDiscarded(t *testing.T) {
	gate := make(chan struct{})
	mgr := &fakeManager{
		targets: abcdGraph(),
		outputs: stemOutputs(".o"),
		hold:    map[buildgraph.TargetID]chan struct{}{"target://c:c": gate},
	}
	idx := index.NewMemory()
	tr, err := NewTracker(mgr, idx)
	require.NoError(t, err)
	ctx := context.Background()

	slow := tr.OnSchemeChange(ctx, buildgraph.NewScheme("target://c:c"))
	fast := waitRun(t, tr.OnSchemeChange(ctx, buildgraph.NewScheme("target://d:d")))
	require.True(t, fast.Committed)
	assert.Equal(t, uint64(2), fast.Seq)

	close(gate)
	stale := waitRun(t, slow)
	assert.Equal(t, uint64(1), stale.Seq)
	assert.False(t, stale.Committed)
	assert.Empty(t, stale.Added)
	assert.Empty(t, stale.Removed)

	assert.Equal(t, Mapping{"target://d:d": {"file:///d.o"}}, tr.Snapshot())
	assert.Equal(t, []string{"file:///d.o"}, idx.Visible())
	assert.Len(t, idx.Calls(), 1)

	issued, committed := tr.LatestSeq()
	assert.Equal(t, uint64(2), issued)
	assert.Equal(t, uint64(2), committed)
}

func TestTracker_QueryFailureIsEmptyRun(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*fakeManager)
	}{
		{"targets query", func(m *fakeManager) { m.targetsErr = errors.New("boom") }},
		{"outputs query", func(m *fakeManager) { m.outputsErr = errors.New("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
			idx := index.NewMemory()
			tr, err := NewTracker(mgr, idx)
			require.NoError(t, err)
			ctx := context.Background()

			require.True(t, tr.Apply(ctx, buildgraph.NewScheme("target://a:a")).Committed)

			mgr.mu.Lock()
			tt.apply(mgr)
			mgr.mu.Unlock()

			r := tr.Apply(ctx, buildgraph.NewScheme("target://d:d"))
			require.Error(t, r.QueryErr)
			assert.True(t, r.Committed)
			assert.Equal(t, []string{"file:///a.o"}, r.Removed)
			assert.Empty(t, tr.Snapshot())
			assert.Empty(t, idx.Visible())
		})
	}
}

func TestTracker_StaleFailureDiscarded(t *testing.T) {
	gate := make(chan struct{})
	mgr := &fakeManager{
		targets: abcdGraph(),
		outputs: stemOutputs(".o"),
		hold:    map[buildgraph.TargetID]chan struct{}{"target://c:c": gate},
	}
	tr, err := NewTracker(mgr, index.NewMemory())
	require.NoError(t, err)
	ctx := context.Background()

	slow := tr.OnSchemeChange(ctx, buildgraph.NewScheme("target://c:c"))
	require.True(t, waitRun(t, tr.OnSchemeChange(ctx, buildgraph.NewScheme("target://d:d"))).Committed)

	mgr.mu.Lock()
	mgr.outputsErr = errors.New("late failure")
	mgr.mu.Unlock()
	close(gate)

	r := waitRun(t, slow)
	assert.Error(t, r.QueryErr)
	assert.False(t, r.Committed)
	assert.Equal(t, Mapping{"target://d:d": {"file:///d.o"}}, tr.Snapshot())
}

func TestTracker_UnitSuffixFilter(t *testing.T) {
	mgr := &fakeManager{
		targets: []buildgraph.Target{{ID: "t"}},
		outputs: func(ids []buildgraph.TargetID) []buildsystem.OutputsItem {
			return []buildsystem.OutputsItem{
				{Target: "t", OutputPaths: []string{"/b/t.o", "/b/t.ext", "/b/t.swiftmodule", "/b/t.ext"}},
			}
		},
	}

	t.Run("default suffix", func(t *testing.T) {
		tr, err := NewTracker(mgr, index.NewMemory())
		require.NoError(t, err)
		r := tr.Apply(context.Background(), buildgraph.NewScheme("t"))
		assert.Equal(t, []string{"/b/t.o"}, r.Added)
	})

	t.Run("custom suffixes dedupe", func(t *testing.T) {
		tr, err := NewTracker(mgr, index.NewMemory(), WithUnitSuffixes(".ext"))
		require.NoError(t, err)
		r := tr.Apply(context.Background(), buildgraph.NewScheme("t"))
		assert.Equal(t, []string{"/b/t.ext"}, r.Added)
		assert.Equal(t, Mapping{"t": {"/b/t.ext"}}, tr.Snapshot())
	})
}

func TestTracker_CancelledRunNotCommitted(t *testing.T) {
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	idx := index.NewMemory()
	tr, err := NewTracker(mgr, idx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := tr.Apply(ctx, buildgraph.NewScheme("target://a:a"))
	assert.False(t, r.Committed)
	assert.Empty(t, idx.Calls())
}

func TestTracker_StoreRoundTrip(t *testing.T) {
	store := &memStore{}
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	ctx := context.Background()

	first, err := NewTracker(mgr, index.NewMemory(), WithStore(store))
	require.NoError(t, err)
	first.Apply(ctx, buildgraph.NewScheme("target://b:b"))
	assert.Equal(t, 1, store.saves)

	// A new session restores the mapping and removes what the new scheme drops.
	idx := index.NewMemory()
	second, err := NewTracker(mgr, idx, WithStore(store))
	require.NoError(t, err)
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, first.Snapshot(), second.Snapshot())

	r := second.Apply(ctx, buildgraph.NewScheme("target://a:a"))
	assert.Equal(t, []string{"file:///b.o"}, r.Removed)
	assert.Empty(t, r.Added)
}

func TestTracker_SavesFollowCommitOrder(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	tr, err := NewTracker(mgr, index.NewMemory(), WithStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	first := tr.OnSchemeChange(ctx, buildgraph.NewScheme("target://c:c"))
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never saved")
	}

	// The second run commits while the first run's save is still in flight.
	second := tr.OnSchemeChange(ctx, buildgraph.NewScheme("target://d:d"))
	require.Eventually(t, func() bool {
		_, committed := tr.LatestSeq()
		return committed == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(store.release)

	assert.True(t, waitRun(t, first).Committed)
	assert.True(t, waitRun(t, second).Committed)

	saved, err := store.LoadMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, Mapping{"target://d:d": {"file:///d.o"}}, saved)
	assert.Equal(t, tr.Snapshot(), saved)
}

func TestTracker_StoreErrors(t *testing.T) {
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	ctx := context.Background()

	t.Run("save failure does not undo commit", func(t *testing.T) {
		store := &memStore{saveErr: errors.New("disk full")}
		tr, err := NewTracker(mgr, index.NewMemory(), WithStore(store))
		require.NoError(t, err)
		r := tr.Apply(ctx, buildgraph.NewScheme("target://a:a"))
		assert.True(t, r.Committed)
		assert.NotEmpty(t, tr.Snapshot())
	})

	t.Run("load failure is returned", func(t *testing.T) {
		store := &memStore{loadErr: errors.New("corrupt")}
		tr, err := NewTracker(mgr, index.NewMemory(), WithStore(store))
		require.NoError(t, err)
		assert.Error(t, tr.Restore(ctx))
	})

	t.Run("restore after commit is ignored", func(t *testing.T) {
		store := &memStore{saved: Mapping{"old": {"old.o"}}, saveErr: errors.New("read only")}
		tr, err := NewTracker(mgr, index.NewMemory(), WithStore(store))
		require.NoError(t, err)
		tr.Apply(ctx, buildgraph.NewScheme("target://d:d"))
		require.NoError(t, tr.Restore(ctx))
		assert.Equal(t, Mapping{"target://d:d": {"file:///d.o"}}, tr.Snapshot())
	})

	t.Run("no store", func(t *testing.T) {
		tr, err := NewTracker(mgr, index.NewMemory())
		require.NoError(t, err)
		assert.NoError(t, tr.Restore(ctx))
	})
}

func TestTracker_Refresh(t *testing.T) {
	mgr := &fakeManager{targets: abcdGraph(), outputs: stemOutputs(".o")}
	idx := index.NewMemory()
	tr, err := NewTracker(mgr, idx)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok := tr.Refresh(ctx)
	require.False(t, ok, "refresh before any scheme must not start a run")

	require.True(t, tr.Apply(ctx, buildgraph.NewScheme("target://b:b")).Committed)

	// The build system now produces a different unit for a.
	mgr.mu.Lock()
	mgr.outputs = func(ids []buildgraph.TargetID) []buildsystem.OutputsItem {
		items := stemOutputs(".o")(ids)
		for i := range items {
			if items[i].Target == "target://a:a" {
				items[i].OutputPaths = []string{"file:///a2.o"}
			}
		}
		return items
	}
	mgr.mu.Unlock()

	ch, ok := tr.Refresh(ctx)
	require.True(t, ok)
	r := waitRun(t, ch)
	require.True(t, r.Committed)
	assert.Equal(t, uint64(2), r.Seq)
	assert.Equal(t, []string{"file:///a2.o"}, r.Added)
	assert.Equal(t, []string{"file:///a.o"}, r.Removed)
	assert.Equal(t, []string{"file:///a2.o", "file:///b.o"}, idx.Visible())
}
