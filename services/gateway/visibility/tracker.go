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
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
	"github.com/AleutianAI/lspgate/services/gateway/index"
	"github.com/AleutianAI/lspgate/services/gateway/telemetry"
)

// DefaultUnitSuffixes are the output suffixes treated as compiled units.
var DefaultUnitSuffixes = []string{".o"}

// MappingStore persists the committed mapping across restarts.
type MappingStore interface {
	// LoadMapping returns the last saved mapping, or nil, nil if none.
	LoadMapping(ctx context.Context) (Mapping, error)
	SaveMapping(ctx context.Context, m Mapping) error
}

// RunResult describes one scheme-change run.
type RunResult struct {
	// Seq is the run's sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// Committed is false when a newer run was issued first or the run's
	// context ended. Uncommitted runs have no effect.
	Committed bool `json:"committed"`

	// Targets is the resolved closure, sorted.
	Targets []buildgraph.TargetID `json:"targets"`

	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`

	// QueryErr is the build-system error, if a query failed. The run still
	// commits with zero outputs.
	QueryErr error `json:"-"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore persists committed mappings to store.
func WithStore(store MappingStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithUnitSuffixes overrides DefaultUnitSuffixes. An empty list keeps the
// default.
func WithUnitSuffixes(suffixes ...string) Option {
	return func(t *Tracker) {
		if len(suffixes) > 0 {
			t.suffixes = append([]string(nil), suffixes...)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Tracker owns the visibility mapping for one workspace.
//
// Description:
//
//	The latest issued sequence number and the mapping are guarded by one
//	mutex. The diff, the index calls and the mapping replacement of a run
//	happen together while it is held, so readers never see a
//	partially applied run.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Tracker struct {
	manager  buildsystem.Manager
	index    index.Index
	store    MappingStore
	suffixes []string
	logger   *slog.Logger

	mu        sync.Mutex
	latest    uint64
	committed uint64
	mapping   Mapping
	scheme    *buildgraph.Scheme

	// saveMu orders store writes; savedSeq is the last seq written.
	saveMu   sync.Mutex
	savedSeq uint64
}

// NewTracker creates a tracker with an empty mapping.
//
// Outputs:
//
//	*Tracker - The tracker.
//	error - ErrNilManager or ErrNilIndex.
func NewTracker(manager buildsystem.Manager, idx index.Index, opts ...Option) (*Tracker, error) {
	if manager == nil {
		return nil, ErrNilManager
	}
	if idx == nil {
		return nil, ErrNilIndex
	}
	t := &Tracker{
		manager:  manager,
		index:    idx,
		suffixes: DefaultUnitSuffixes,
		logger:   slog.Default(),
		mapping:  Mapping{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SchemeChanged starts a run for scheme and does not wait for it.
func (t *Tracker) SchemeChanged(ctx context.Context, scheme buildgraph.Scheme) {
	t.OnSchemeChange(ctx, scheme)
}

// OnSchemeChange starts a run for scheme.
//
// Description:
//
//	Allocates the next sequence number immediately, then resolves and
//	commits on a new goroutine. The returned channel receives exactly one
//	result and is then closed.
func (t *Tracker) OnSchemeChange(ctx context.Context, scheme buildgraph.Scheme) <-chan RunResult {
	return t.start(ctx, t.issue(scheme), scheme)
}

// Refresh starts a new run for the most recently issued scheme, so that
// changed build outputs become visible. It reports false, and starts
// nothing, when no scheme has been issued yet.
func (t *Tracker) Refresh(ctx context.Context) (<-chan RunResult, bool) {
	t.mu.Lock()
	if t.scheme == nil {
		t.mu.Unlock()
		return nil, false
	}
	scheme := *t.scheme
	t.latest++
	seq := t.latest
	t.mu.Unlock()
	return t.start(ctx, seq, scheme), true
}

func (t *Tracker) start(ctx context.Context, seq uint64, scheme buildgraph.Scheme) <-chan RunResult {
	out := make(chan RunResult, 1)
	go func() {
		defer close(out)
		out <- t.run(ctx, seq, scheme)
	}()
	return out
}

// Apply runs a scheme change synchronously.
func (t *Tracker) Apply(ctx context.Context, scheme buildgraph.Scheme) RunResult {
	return t.run(ctx, t.issue(scheme), scheme)
}

// Snapshot returns a deep copy of the current mapping.
func (t *Tracker) Snapshot() Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mapping.Clone()
}

// LatestSeq returns the most recently issued and most recently committed
// sequence numbers.
func (t *Tracker) LatestSeq() (issued, committed uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.committed
}

// Restore loads the mapping saved by a previous session.
//
// Description:
//
//	The restored mapping becomes the baseline for the next diff, so outputs
//	the index still shows from the last session are removed if the new
//	scheme no longer includes them. Restore is a no-op without a store, and
//	when a run has already committed.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	m, err := t.store.LoadMapping(ctx)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed != 0 {
		return nil
	}
	t.mapping = m.Clone()
	t.logger.Info("restored visibility mapping", slog.Int("targets", len(m)))
	return nil
}

// issue allocates the next sequence number and remembers scheme for Refresh.
func (t *Tracker) issue(scheme buildgraph.Scheme) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest++
	roots := append([]buildgraph.TargetID(nil), scheme.Targets...)
	scheme.Targets = roots
	t.scheme = &scheme
	return t.latest
}

// run resolves scheme and commits the result if seq is still the latest.
func (t *Tracker) run(ctx context.Context, seq uint64, scheme buildgraph.Scheme) RunResult {
	ctx, span := startRunSpan(ctx, seq, scheme)
	defer span.End()
	start := time.Now()

	result := RunResult{Seq: seq}
	next, resolved, err := t.collect(ctx, scheme)
	result.Targets = resolved
	if err != nil {
		result.QueryErr = err
		next = Mapping{}
		telemetry.LoggerWithTrace(ctx, t.logger).Warn("build system query failed, treating as zero outputs",
			slog.Uint64("seq", seq),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	if seq != t.latest || ctx.Err() != nil {
		latest := t.latest
		t.mu.Unlock()
		t.logger.Debug("discarding stale visibility run",
			slog.Uint64("seq", seq),
			slog.Uint64("latest", latest),
		)
		recordRun(ctx, result, time.Since(start))
		setRunSpanResult(span, result)
		return result
	}

	added, removed := Diff(t.mapping, next)
	if len(removed) > 0 {
		t.index.RemoveUnitOutputPaths(removed, false)
	}
	if len(added) > 0 {
		t.index.AddUnitOutputPaths(added, false)
	}
	t.mapping = next
	t.committed = seq
	snapshot := next.Clone()
	t.mu.Unlock()

	result.Committed = true
	result.Added = added
	result.Removed = removed

	t.logger.Info("visibility updated",
		slog.Uint64("seq", seq),
		slog.Int("targets", len(resolved)),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)),
	)

	if t.store != nil {
		t.persist(ctx, seq, snapshot)
	}

	recordRun(ctx, result, time.Since(start))
	setRunSpanResult(span, result)
	return result
}

// persist saves the mapping committed by seq unless a later commit has
// already been saved. Saves run outside mu, so two committed runs can reach
// here in either order.
func (t *Tracker) persist(ctx context.Context, seq uint64, snapshot Mapping) {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if seq <= t.savedSeq {
		t.logger.Debug("skipping save of superseded mapping",
			slog.Uint64("seq", seq),
			slog.Uint64("saved_seq", t.savedSeq),
		)
		return
	}
	if err := t.store.SaveMapping(ctx, snapshot); err != nil {
		t.logger.Warn("saving visibility mapping failed",
			slog.Uint64("seq", seq),
			slog.String("error", err.Error()),
		)
		return
	}
	t.savedSeq = seq
}

// collect resolves scheme and queries outputs for the closure.
func (t *Tracker) collect(ctx context.Context, scheme buildgraph.Scheme) (Mapping, []buildgraph.TargetID, error) {
	targets, err := t.manager.BuildTargets(ctx)
	if err != nil {
		// Roots are still reported so the caller can see what was requested.
		return nil, buildgraph.ResolveSorted(scheme, nil), err
	}
	resolved := buildgraph.ResolveSorted(scheme, buildgraph.TargetMap(targets))

	items, err := t.manager.BuildTargetOutputPaths(ctx, resolved)
	if err != nil {
		return nil, resolved, err
	}
	return t.buildMapping(items), resolved, nil
}

// buildMapping keeps unit outputs, deduplicated and sorted per target.
func (t *Tracker) buildMapping(items []buildsystem.OutputsItem) Mapping {
	sets := make(map[buildgraph.TargetID]map[string]struct{})
	for _, item := range items {
		for _, p := range item.OutputPaths {
			if !t.isUnit(p) {
				continue
			}
			set, ok := sets[item.Target]
			if !ok {
				set = make(map[string]struct{})
				sets[item.Target] = set
			}
			set[p] = struct{}{}
		}
	}

	m := make(Mapping, len(sets))
	for id, set := range sets {
		paths := make([]string, 0, len(set))
		for p := range set {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		m[id] = paths
	}
	return m
}

func (t *Tracker) isUnit(path string) bool {
	for _, s := range t.suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
