// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buildsystem

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the watcher waits for writes to settle.
const DefaultWatchDebounce = 200 * time.Millisecond

// ReloadFunc is called after the manifest content has been replaced.
type ReloadFunc func(ctx context.Context)

// WatcherOptions configures a ManifestWatcher.
type WatcherOptions struct {
	// Debounce is the quiet period before a reload. Default: DefaultWatchDebounce.
	Debounce time.Duration

	// OnReload runs after every successful reload. May be nil.
	OnReload ReloadFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ManifestWatcher reloads a Manifest when its file changes.
//
// Description:
//
//	Watches the directory holding the manifest, so editors that save by
//	writing a temporary file and renaming it over the original are seen.
//	Bursts of events are collapsed into one reload. A file that fails to
//	parse leaves the current content in place.
//
// Thread Safety:
//
//	Safe for concurrent use. OnReload is called from a single goroutine.
type ManifestWatcher struct {
	path     string
	manifest *Manifest
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload ReloadFunc
	logger   *slog.Logger

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
	reloads  int
}

// NewManifestWatcher creates a watcher that keeps manifest in step with the
// file at path.
//
// Inputs:
//
//	path - Manifest file path.
//	manifest - The manifest to update in place.
//	opts - Optional configuration; nil uses defaults.
//
// Outputs:
//
//	*ManifestWatcher - Ready to Start.
//	error - Non-nil if the fsnotify watcher could not be created.
func NewManifestWatcher(path string, manifest *Manifest, opts *WatcherOptions) (*ManifestWatcher, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest must not be nil")
	}
	if opts == nil {
		opts = &WatcherOptions{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	mw := &ManifestWatcher{
		path:     abs,
		manifest: manifest,
		watcher:  w,
		debounce: opts.Debounce,
		onReload: opts.OnReload,
		logger:   opts.Logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if mw.debounce <= 0 {
		mw.debounce = DefaultWatchDebounce
	}
	if mw.logger == nil {
		mw.logger = slog.Default()
	}
	mw.logger = mw.logger.With(slog.String("component", "manifest_watcher"), slog.String("path", abs))
	return mw, nil
}

// Start begins watching. Calling Start twice is a no-op.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.loop(ctx)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *ManifestWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()

		w.mu.Lock()
		started := w.watching
		w.watching = false
		w.mu.Unlock()
		if started {
			<-w.stopped
		}
	})
}

// Reloads returns the number of successful reloads.
func (w *ManifestWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *ManifestWatcher) loop(ctx context.Context) {
	defer close(w.stopped)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watch error", slog.String("error", err.Error()))

		case <-timerC:
			timerC = nil
			w.reload(ctx)
		}
	}
}

func (w *ManifestWatcher) reload(ctx context.Context) {
	next, err := LoadManifest(w.path)
	if err != nil {
		w.logger.Warn("manifest reload failed, keeping previous content", slog.String("error", err.Error()))
		return
	}
	w.manifest.Replace(next)

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("manifest reloaded")

	if w.onReload != nil {
		w.onReload(ctx)
	}
}
