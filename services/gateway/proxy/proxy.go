// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/lspgate/services/gateway/jsonrpc"
	"github.com/AleutianAI/lspgate/services/gateway/telemetry"
)

// =============================================================================
// STATE
// =============================================================================

// State is the proxy lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// CallHandlerFunc handles a client request locally. It must reply to req,
// directly or by forwarding it.
type CallHandlerFunc func(ctx context.Context, p *Proxy, req *jsonrpc.Request)

// NotificationHandlerFunc handles a client notification locally.
type NotificationHandlerFunc func(ctx context.Context, p *Proxy, params json.RawMessage)

// Observer inspects a forwarded reply before it is relayed.
type Observer func(resp *jsonrpc2.Response)

// Sequencer runs submitted functions one at a time in submission order.
// Submit returns an error if fn will never run.
type Sequencer interface {
	Submit(fn func(ctx context.Context)) error
}

// =============================================================================
// PROXY
// =============================================================================

// Option configures a Proxy.
type Option func(*Proxy)

// WithBackends adds secondary backends. Requests and notifications they send
// are relayed to the client; client traffic goes to the primary backend.
func WithBackends(backends ...*jsonrpc.Conn) Option {
	return func(p *Proxy) { p.extra = append(p.extra, backends...) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Proxy multiplexes one client connection and its backends.
//
// Description:
//
//	Implements jsonrpc.Handler; pass it to Run on the client and every
//	backend connection. Local handlers apply only to messages from the
//	client. When any owned connection closes the proxy moves to
//	StateClosed and stops relaying.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Proxy struct {
	client  *jsonrpc.Conn
	backend *jsonrpc.Conn
	extra   []*jsonrpc.Conn
	logger  *slog.Logger

	state atomic.Int32

	capsOnce sync.Once
	caps     atomic.Pointer[protocol.ServerCapabilities]

	mu            sync.RWMutex
	calls         map[string]CallHandlerFunc
	notifications map[string]NotificationHandlerFunc
	seq           Sequencer
}

// New creates a proxy between client and backend.
//
// Description:
//
//	Registers the built-in initialize and foldingRange handlers and moves
//	the proxy to StateInitializing. The caller still runs the connections.
//
// Inputs:
//
//	client - Editor-facing connection.
//	backend - Primary backend connection.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Proxy - The proxy.
//	error - ErrNilConn if client or backend is nil.
func New(client, backend *jsonrpc.Conn, opts ...Option) (*Proxy, error) {
	if client == nil || backend == nil {
		return nil, ErrNilConn
	}
	p := &Proxy{
		client:        client,
		backend:       backend,
		logger:        slog.Default(),
		calls:         make(map[string]CallHandlerFunc),
		notifications: make(map[string]NotificationHandlerFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "proxy"))

	p.calls[protocol.MethodInitialize] = handleInitialize
	p.calls[protocol.MethodTextDocumentFoldingRange] = handleFoldingRange

	for _, c := range p.conns() {
		conn := c
		conn.OnClose(func(reason error) { p.onConnClosed(conn, reason) })
	}
	p.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing))
	return p, nil
}

// State returns the current lifecycle state.
func (p *Proxy) State() State { return State(p.state.Load()) }

// Client returns the client connection.
func (p *Proxy) Client() *jsonrpc.Conn { return p.client }

// Backend returns the primary backend connection.
func (p *Proxy) Backend() *jsonrpc.Conn { return p.backend }

// Capabilities returns the backend capabilities captured from the
// initialize reply, or nil if none were captured.
func (p *Proxy) Capabilities() *protocol.ServerCapabilities { return p.caps.Load() }

// Handle registers a local handler for client requests with the given
// method, replacing any previous one.
func (p *Proxy) Handle(method string, h CallHandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[method] = h
}

// OnNotification registers a local handler for client notifications with
// the given method, replacing any previous one.
func (p *Proxy) OnNotification(method string, h NotificationHandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications[method] = h
}

// SetSequencer makes every message from the client, handled locally or
// relayed, pass through seq.
//
// Description:
//
//	A local handler that does work before relaying, such as pushing build
//	settings ahead of a didOpen, then cannot be overtaken by a later
//	client message. If seq refuses a message it is dispatched directly.
//	A nil seq dispatches on the connection's read loop.
func (p *Proxy) SetSequencer(seq Sequencer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = seq
}

// NotifyBackend sends a notification to the primary backend.
func (p *Proxy) NotifyBackend(ctx context.Context, method string, params any) error {
	if p.State() == StateClosed {
		return ErrClosed
	}
	return p.backend.Notify(ctx, method, params)
}

// Close closes every owned connection.
func (p *Proxy) Close() error {
	for _, c := range p.conns() {
		_ = c.Close()
	}
	return nil
}

func (p *Proxy) conns() []*jsonrpc.Conn {
	out := make([]*jsonrpc.Conn, 0, 2+len(p.extra))
	out = append(out, p.client, p.backend)
	return append(out, p.extra...)
}

func (p *Proxy) onConnClosed(c *jsonrpc.Conn, reason error) {
	prev := State(p.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	attrs := []any{slog.String("conn", c.Name()), slog.String("previous_state", prev.String())}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	p.logger.Info("proxy closed", attrs...)
}

// =============================================================================
// jsonrpc.Handler
// =============================================================================

// HandleCall routes a request from any owned connection.
func (p *Proxy) HandleCall(ctx context.Context, req *jsonrpc.Request) {
	if p.State() == StateClosed {
		p.replyUnavailable(req)
		return
	}
	if req.Conn() != p.client {
		p.routeUnknownCall(req)
		return
	}
	p.sequence(req.Method(), func() {
		if p.State() == StateClosed {
			p.replyUnavailable(req)
			return
		}
		p.mu.RLock()
		h := p.calls[req.Method()]
		p.mu.RUnlock()
		if h != nil {
			h(ctx, p, req)
			return
		}
		p.routeUnknownCall(req)
	})
}

// HandleNotification routes a notification from any owned connection.
func (p *Proxy) HandleNotification(ctx context.Context, from *jsonrpc.Conn, method string, params json.RawMessage) {
	if p.State() == StateClosed {
		p.dropNotification(method, from)
		return
	}
	if from != p.client {
		p.relayNotification(ctx, from, method, params)
		return
	}
	p.sequence(method, func() {
		if p.State() == StateClosed {
			p.dropNotification(method, from)
			return
		}
		p.mu.RLock()
		h := p.notifications[method]
		p.mu.RUnlock()
		if h != nil {
			h(ctx, p, params)
			return
		}
		p.relayNotification(ctx, from, method, params)
	})
}

// sequence runs dispatch through the sequencer, or directly if there is
// none or it refuses.
func (p *Proxy) sequence(method string, dispatch func()) {
	p.mu.RLock()
	seq := p.seq
	p.mu.RUnlock()
	if seq != nil {
		err := seq.Submit(func(context.Context) { dispatch() })
		if err == nil {
			return
		}
		p.logger.Debug("sequencer refused message, dispatching directly",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
	}
	dispatch()
}

func (p *Proxy) dropNotification(method string, from *jsonrpc.Conn) {
	p.logger.Info("dropping notification on closed proxy",
		slog.String("method", method),
		slog.String("from", from.Name()),
	)
}

func (p *Proxy) relayNotification(ctx context.Context, from *jsonrpc.Conn, method string, params json.RawMessage) {
	to := p.routeTarget(from)
	p.logger.Debug("relaying notification",
		slog.String("method", method),
		slog.String("from", from.Name()),
		slog.String("to", to.Name()),
	)
	if err := to.Notify(ctx, method, params); err != nil {
		p.logger.Warn("relaying notification failed",
			slog.String("method", method),
			slog.String("to", to.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// =============================================================================
// ROUTING
// =============================================================================

// routeTarget picks the destination for a message without a local handler:
// backend traffic goes to the client, everything else to the primary backend.
func (p *Proxy) routeTarget(from *jsonrpc.Conn) *jsonrpc.Conn {
	if from == p.client {
		return p.backend
	}
	return p.client
}

func (p *Proxy) routeUnknownCall(req *jsonrpc.Request) {
	to := p.routeTarget(req.Conn())
	p.logger.Debug("forwarding request",
		slog.String("method", req.Method()),
		slog.String("from", req.Conn().Name()),
		slog.String("to", to.Name()),
	)
	p.Forward(req, to, nil)
}

// forwarded tracks the cancellation binding of one relayed request.
type forwarded struct {
	mu   sync.Mutex
	done bool
	stop func() bool
}

// bind sends one $/cancelRequest for id on to when req is cancelled, unless
// the reply already arrived.
func (f *forwarded) bind(p *Proxy, req *jsonrpc.Request, to *jsonrpc.Conn, id jsonrpc2.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.stop = req.OnCancel(func() {
		ctx := context.WithoutCancel(req.Context())
		recordCancelled(ctx, req.Method())
		if err := to.Cancel(ctx, id); err != nil {
			p.logger.Debug("propagating cancel failed",
				slog.String("method", req.Method()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// finish detaches the cancellation binding.
func (f *forwarded) finish() {
	f.mu.Lock()
	f.done = true
	stop := f.stop
	f.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Forward relays req to the target connection.
//
// Description:
//
//	Sends req's method and params on to under a new ID and binds req's
//	cancellation to a single $/cancelRequest for that ID. When the reply
//	arrives the binding is removed, observe runs (if non-nil), and req is
//	completed with the reply's result or error unchanged. If to is closed,
//	req is completed with a backend-unavailable error.
//
// Inputs:
//
//	req - The original request. Forward takes over replying to it.
//	to - Target connection.
//	observe - Optional reply observer.
func (p *Proxy) Forward(req *jsonrpc.Request, to *jsonrpc.Conn, observe Observer) {
	ctx := context.WithoutCancel(req.Context())
	ctx, span := startForwardSpan(ctx, req.Method(), req.Conn().Name(), to.Name())
	done := startTimer()

	fw := &forwarded{}
	id, err := to.Call(ctx, req.Method(), req.Params(), func(resp *jsonrpc2.Response) {
		fw.finish()
		if observe != nil {
			observe(resp)
		}
		replyErr := resp.Err()
		if err := req.Reply(resp.Result(), replyErr); err != nil {
			p.logger.Debug("relaying reply failed",
				slog.String("method", req.Method()),
				slog.String("error", err.Error()),
			)
		}
		recordForward(ctx, req.Method(), to.Name(), replyErr, done())
		endForwardSpan(span, replyErr)
	})
	if err != nil {
		telemetry.LoggerWithTrace(ctx, p.logger).Warn("forwarding request failed",
			slog.String("method", req.Method()),
			slog.String("to", to.Name()),
			slog.String("error", err.Error()),
		)
		p.replyUnavailable(req)
		recordForward(ctx, req.Method(), to.Name(), jsonrpc.BackendUnavailable(), done())
		endForwardSpan(span, err)
		return
	}
	fw.bind(p, req, to, id)
}

// Gate forwards req to the primary backend if enabled holds for the stored
// capabilities. Otherwise req gets a null result without contacting the
// backend.
func (p *Proxy) Gate(req *jsonrpc.Request, enabled func(*protocol.ServerCapabilities) bool) {
	caps := p.Capabilities()
	if caps == nil || !enabled(caps) {
		p.logger.Debug("feature not supported by backend, replying locally",
			slog.String("method", req.Method()),
		)
		recordGated(req.Context(), req.Method())
		if err := req.Reply(nil, nil); err != nil {
			p.logger.Debug("local reply failed", slog.String("error", err.Error()))
		}
		return
	}
	p.Forward(req, p.backend, nil)
}

func (p *Proxy) replyUnavailable(req *jsonrpc.Request) {
	if err := req.Reply(nil, jsonrpc.BackendUnavailable()); err != nil {
		p.logger.Debug("unavailable reply failed",
			slog.String("method", req.Method()),
			slog.String("error", err.Error()),
		)
	}
}

// =============================================================================
// BUILT-IN HANDLERS
// =============================================================================

func handleInitialize(_ context.Context, p *Proxy, req *jsonrpc.Request) {
	p.Forward(req, p.backend, p.onInitializeReply)
}

// onInitializeReply captures capabilities from a successful reply. The
// proxy moves to StateRunning either way.
func (p *Proxy) onInitializeReply(resp *jsonrpc2.Response) {
	defer p.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning))

	if err := resp.Err(); err != nil {
		p.logger.Warn("backend initialize failed, no optional features",
			slog.String("error", err.Error()),
		)
		return
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result(), &result); err != nil {
		p.logger.Warn("decoding initialize result failed, no optional features",
			slog.String("error", err.Error()),
		)
		return
	}
	p.storeCapabilities(&result.Capabilities)
}

func (p *Proxy) storeCapabilities(caps *protocol.ServerCapabilities) {
	p.capsOnce.Do(func() {
		p.caps.Store(caps)
		p.logger.Info("captured backend capabilities")
	})
}

func handleFoldingRange(_ context.Context, p *Proxy, req *jsonrpc.Request) {
	p.Gate(req, func(caps *protocol.ServerCapabilities) bool {
		return providerEnabled(caps.FoldingRangeProvider)
	})
}

// providerEnabled interprets a "bool | options" capability value.
func providerEnabled(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}
