// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package configsync keeps the backend's per-file compiler configuration in
// step with the documents the client opens, and routes workspace settings
// changes to the component that owns them.
//
// All events are processed by one worker goroutine in arrival order. The
// settings push for a document is therefore always sent to the backend
// before the didOpen it belongs to, and two events for the same document are
// never reordered. Once registered on a proxy the worker also carries every
// other client message, so nothing the client sends after a didOpen reaches
// the backend ahead of it.
package configsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
	"github.com/AleutianAI/lspgate/services/gateway/jsonrpc"
	"github.com/AleutianAI/lspgate/services/gateway/proxy"
	"github.com/AleutianAI/lspgate/services/gateway/settings"
)

// DefaultQueueSize is the event queue capacity.
const DefaultQueueSize = 256

// Backend receives notifications destined for the backend.
type Backend interface {
	NotifyBackend(ctx context.Context, method string, params any) error
}

// SchemeListener is told when the client selects a new build scheme.
type SchemeListener interface {
	SchemeChanged(ctx context.Context, scheme buildgraph.Scheme)
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClangPath sets the compiler executable placed at the head of every
// compile command. Defaults to settings.DefaultClangPath.
func WithClangPath(path string) Option {
	return func(s *Syncer) { s.clangPath = path }
}

// WithSchemeListener sets the scheme listener. Without one, scheme changes
// are logged and dropped.
func WithSchemeListener(l SchemeListener) Option {
	return func(s *Syncer) { s.listener = l }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithQueueSize sets the event queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Syncer is the configuration sync actor.
//
// Thread Safety:
//
//	Event methods are safe for concurrent use. Events from a single caller
//	are processed in call order.
type Syncer struct {
	provider  buildsystem.SettingsProvider
	backend   Backend
	clangPath string
	listener  SchemeListener
	logger    *slog.Logger
	queueSize int

	queue chan func(ctx context.Context)

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a syncer. Call Start before events are processed; events
// sent earlier are queued.
//
// Outputs:
//
//	*Syncer - The syncer.
//	error - ErrNilProvider or ErrNilBackend.
func New(provider buildsystem.SettingsProvider, backend Backend, opts ...Option) (*Syncer, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	if backend == nil {
		return nil, ErrNilBackend
	}
	s := &Syncer{
		provider:  provider,
		backend:   backend,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "configsync"))
	s.queue = make(chan func(context.Context), s.queueSize)
	return s, nil
}

// Register installs the syncer's handlers on p and makes the syncer p's
// sequencer.
//
// Description:
//
//	textDocument/didOpen notifications and workspace/didChangeConfiguration
//	notifications and requests from the client are handled by the syncer
//	instead of being relayed directly. All client messages run on the
//	syncer's worker, so the handlers do their work in place rather than
//	queueing it again. After Stop the proxy dispatches directly and the
//	handlers run on the connection's read loop.
func (s *Syncer) Register(p *proxy.Proxy) {
	p.SetSequencer(s)
	p.OnNotification(protocol.MethodTextDocumentDidOpen, func(ctx context.Context, _ *proxy.Proxy, params json.RawMessage) {
		s.openDocument(ctx, params)
	})
	p.OnNotification(protocol.MethodWorkspaceDidChangeConfiguration, func(ctx context.Context, _ *proxy.Proxy, params json.RawMessage) {
		s.configurationChanged(ctx, params)
	})
	p.Handle(protocol.MethodWorkspaceDidChangeConfiguration, func(ctx context.Context, _ *proxy.Proxy, req *jsonrpc.Request) {
		s.configurationRequest(ctx, req)
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start runs the worker until ctx is done or Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrStopped
	}
	s.started = true
	go s.run(ctx)
	return nil
}

// Stop stops the worker and waits for it to run the events already queued.
// Later events are refused.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// Flush waits until every event enqueued before the call is processed.
func (s *Syncer) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := s.Submit(func(context.Context) { close(flushed) }); err != nil {
		return err
	}
	select {
	case <-flushed:
		return nil
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx)
			return
		case <-s.stop:
			s.drain(ctx)
			return
		case ev := <-s.queue:
			ev(ctx)
		}
	}
}

// drain runs whatever is still queued. Client requests among them must
// still be answered.
func (s *Syncer) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			ev(ctx)
		default:
			return
		}
	}
}

// Submit queues fn to run on the worker after every previously submitted
// function. It blocks while the queue is full and returns ErrStopped once
// Stop has been called.
func (s *Syncer) Submit(fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	select {
	case s.queue <- fn:
		s.mu.Unlock()
		return nil
	default:
	}
	s.mu.Unlock()

	select {
	case s.queue <- fn:
		return nil
	case <-s.stop:
		return ErrStopped
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// DocumentOpened pushes build settings for the opened document, then relays
// the didOpen to the backend unchanged. After Stop the didOpen is relayed
// directly without settings.
func (s *Syncer) DocumentOpened(params json.RawMessage) {
	raw := append(json.RawMessage(nil), params...)
	err := s.Submit(func(ctx context.Context) { s.openDocument(ctx, raw) })
	if err != nil {
		s.logger.Info("syncer stopped, relaying didOpen without settings",
			slog.String("error", err.Error()),
		)
		s.relay(context.Background(), protocol.MethodTextDocumentDidOpen, raw)
	}
}

// ConfigurationChanged handles a workspace/didChangeConfiguration
// notification.
//
// Description:
//
//	Scheme and client build-server settings go to the scheme listener,
//	documentUpdated triggers a settings push for that document, and
//	everything else, including payloads that fail to decode, is relayed to
//	the backend unchanged.
func (s *Syncer) ConfigurationChanged(params json.RawMessage) {
	raw := append(json.RawMessage(nil), params...)
	if err := s.Submit(func(ctx context.Context) { s.configurationChanged(ctx, raw) }); err != nil {
		s.logger.Info("dropping event",
			slog.String("method", protocol.MethodWorkspaceDidChangeConfiguration),
			slog.String("error", err.Error()),
		)
	}
}

// HandleConfigurationRequest handles workspace/didChangeConfiguration sent
// as a request.
//
// Description:
//
//	Decoding is strict: a payload whose kind is recognized but whose body is
//	malformed gets an InvalidRequest error reply. Otherwise the change is
//	processed like the notification and answered with null once processed.
//	After Stop the request gets a backend-unavailable error.
func (s *Syncer) HandleConfigurationRequest(req *jsonrpc.Request) {
	if err := s.Submit(func(ctx context.Context) { s.configurationRequest(ctx, req) }); err != nil {
		_ = req.Reply(nil, jsonrpc.BackendUnavailable())
	}
}

// openDocument runs on the worker: settings first, then the didOpen.
func (s *Syncer) openDocument(ctx context.Context, raw json.RawMessage) {
	var open protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(raw, &open); err != nil {
		s.logger.Warn("undecodable didOpen, relaying without settings",
			slog.String("error", err.Error()),
		)
	} else {
		s.pushSettings(ctx, string(open.TextDocument.URI), string(open.TextDocument.LanguageID))
	}
	s.relay(ctx, protocol.MethodTextDocumentDidOpen, raw)
}

func (s *Syncer) configurationChanged(ctx context.Context, raw json.RawMessage) {
	change, err := settings.Decode(settingsPayload(raw))
	if err != nil {
		s.logger.Warn("malformed settings change, relaying unchanged",
			slog.String("kind", change.Kind.String()),
			slog.String("error", err.Error()),
		)
		s.relay(ctx, protocol.MethodWorkspaceDidChangeConfiguration, raw)
		return
	}
	s.apply(ctx, change, raw)
}

func (s *Syncer) configurationRequest(ctx context.Context, req *jsonrpc.Request) {
	raw := req.Params()
	change, err := settings.Decode(settingsPayload(raw))
	if err != nil {
		s.logger.Warn("rejecting malformed settings request",
			slog.String("kind", change.Kind.String()),
			slog.String("error", err.Error()),
		)
		_ = req.Reply(nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}
	s.apply(ctx, change, raw)
	if err := req.Reply(nil, nil); err != nil {
		s.logger.Debug("settings reply failed", slog.String("error", err.Error()))
	}
}

// apply acts on a decoded change. raw is the full notification params.
func (s *Syncer) apply(ctx context.Context, change settings.Change, raw json.RawMessage) {
	switch change.Kind {
	case settings.KindScheme:
		s.schemeChanged(ctx, *change.Scheme)

	case settings.KindClient:
		cfg := change.Client
		if d := cfg.Destination; d != nil {
			s.logger.Info("client build destination",
				slog.String("architecture", d.Architecture),
				slog.String("platform", d.Platform),
			)
		}
		if cfg.Scheme == nil {
			s.logger.Debug("client build server settings without scheme")
			return
		}
		s.schemeChanged(ctx, cfg.Scheme.BuildScheme())

	case settings.KindDocumentUpdated:
		s.pushSettings(ctx, change.Document.URL, change.Document.Language)

	default:
		s.relay(ctx, protocol.MethodWorkspaceDidChangeConfiguration, raw)
	}
}

func (s *Syncer) schemeChanged(ctx context.Context, scheme buildgraph.Scheme) {
	if s.listener == nil {
		s.logger.Info("scheme change ignored, no listener",
			slog.String("scheme", scheme.Identifier),
			slog.Int("targets", len(scheme.Targets)),
		)
		return
	}
	s.logger.Debug("scheme changed",
		slog.String("scheme", scheme.Identifier),
		slog.Int("targets", len(scheme.Targets)),
	)
	s.listener.SchemeChanged(ctx, scheme)
}

// pushSettings sends the compile command for document to the backend if
// the build system has one.
func (s *Syncer) pushSettings(ctx context.Context, document, language string) {
	fbs, err := s.provider.Settings(ctx, document, language)
	if err != nil {
		s.logger.Warn("build settings query failed",
			slog.String("document", document),
			slog.String("error", err.Error()),
		)
		return
	}
	if fbs == nil {
		s.logger.Debug("no build settings for document",
			slog.String("document", document),
			slog.String("language", language),
		)
		return
	}
	s.logger.Info("pushing build settings",
		slog.String("document", document),
		slog.Int("arguments", len(fbs.CompilerArguments)),
	)

	cmd := settings.NewClangCompileCommand(*fbs, s.clangPath)
	payload := &protocol.DidChangeConfigurationParams{
		Settings: settings.NewCompilationDatabaseChange(settings.DocumentPath(document), cmd),
	}
	if err := s.backend.NotifyBackend(ctx, protocol.MethodWorkspaceDidChangeConfiguration, payload); err != nil {
		s.logger.Warn("pushing build settings failed",
			slog.String("document", document),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Syncer) relay(ctx context.Context, method string, raw json.RawMessage) {
	if err := s.backend.NotifyBackend(ctx, method, raw); err != nil {
		s.logger.Warn("relaying to backend failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
	}
}

// settingsPayload extracts the settings member of didChangeConfiguration
// params. Params without one are classified as a whole.
func settingsPayload(params json.RawMessage) []byte {
	if v := gjson.GetBytes(params, "settings"); v.Exists() {
		return []byte(v.Raw)
	}
	return params
}
