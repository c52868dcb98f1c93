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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// =============================================================================
// HANDLER
// =============================================================================

// Handler receives inbound messages from a Conn.
//
// Description:
//
//	HandleCall receives requests that expect a reply; the handler must
//	eventually call req.Reply exactly once, possibly from another goroutine.
//	HandleNotification receives one-way messages. Both are invoked from the
//	connection's read loop, so they must not block for long.
type Handler interface {
	HandleCall(ctx context.Context, req *Request)
	HandleNotification(ctx context.Context, from *Conn, method string, params json.RawMessage)
}

// ReplyFunc receives the reply to an outbound request.
//
// resp.Err() is non-nil for error replies, including the synthetic
// backend-unavailable reply produced when the connection closes.
type ReplyFunc func(resp *jsonrpc2.Response)

// =============================================================================
// CONNECTION
// =============================================================================

// pending is an outbound request awaiting its reply.
type pending struct {
	method  string
	onReply ReplyFunc
}

// Conn is one peer-facing JSON-RPC channel.
//
// Description:
//
//	Owns the outbound pending table and the inbound request table for a
//	single stream. Outbound request IDs are allocated from a per-connection
//	counter and are unique for as long as the request is pending.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Conn struct {
	id     string
	name   string
	stream jsonrpc2.Stream
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int32

	mu       sync.Mutex
	pending  map[jsonrpc2.ID]*pending
	inbound  map[jsonrpc2.ID]*Request
	onClose  []func(error)
	closed   bool
	closeErr error
	done     chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithName sets the name used in log output.
func WithName(name string) Option {
	return func(c *Conn) { c.name = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a connection over the given stream.
//
// Description:
//
//	The connection does not read until Run is called, but it can send
//	immediately.
//
// Inputs:
//
//	stream - Framed message stream. Owned by the Conn from now on.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Conn - The connection.
func New(stream jsonrpc2.Stream, opts ...Option) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		name:    "peer",
		stream:  stream,
		logger:  slog.Default(),
		pending: make(map[jsonrpc2.ID]*pending),
		inbound: make(map[jsonrpc2.ID]*Request),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("conn", c.name), slog.String("conn_id", c.id))
	return c
}

// NewFromReadWriteCloser creates a connection with Content-Length framing
// over rwc.
func NewFromReadWriteCloser(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	return New(jsonrpc2.NewStream(rwc), opts...)
}

// ID returns the connection identity.
func (c *Conn) ID() string { return c.id }

// Name returns the connection name.
func (c *Conn) Name() string { return c.name }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns the reason the connection closed, or nil while open or after a
// clean close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OnClose registers fn to run once when the connection closes. If the
// connection is already closed, fn runs immediately.
func (c *Conn) OnClose(fn func(reason error)) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeErr
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// =============================================================================
// SENDING
// =============================================================================

// Call sends a request and arranges for onReply to receive its reply.
//
// Description:
//
//	Allocates a new request ID, registers the pending entry, then writes the
//	request. onReply runs exactly once: with the peer's reply, or with a
//	backend-unavailable error reply if the connection closes first. Duplicate
//	replies for the same ID are ignored.
//
// Inputs:
//
//	ctx - Context for the write.
//	method - Method name.
//	params - Parameters; json.RawMessage is sent verbatim.
//	onReply - Reply callback. May be nil.
//
// Outputs:
//
//	jsonrpc2.ID - The allocated request ID.
//	error - ErrConnClosed if closed, or the write error. When an error is
//	        returned onReply will not be called.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Conn) Call(ctx context.Context, method string, params any, onReply ReplyFunc) (jsonrpc2.ID, error) {
	if ctx == nil {
		return jsonrpc2.ID{}, fmt.Errorf("ctx must not be nil")
	}
	id := jsonrpc2.NewNumberID(c.nextID.Add(1))
	call, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return id, fmt.Errorf("build call %s: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return id, ErrConnClosed
	}
	c.pending[id] = &pending{method: method, onReply: onReply}
	c.mu.Unlock()

	if err := c.write(ctx, call); err != nil {
		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !stillPending {
			// Close already completed the entry through onReply.
			return id, nil
		}
		return id, err
	}
	return id, nil
}

// Notify sends a one-way notification.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if c.Closed() {
		return ErrConnClosed
	}
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("build notification %s: %w", method, err)
	}
	return c.write(ctx, n)
}

// Cancel asks the peer to cancel the outbound request with the given ID.
func (c *Conn) Cancel(ctx context.Context, id jsonrpc2.ID) error {
	// jsonrpc2.ID marshals through a pointer receiver; a value in an
	// interface{} field would encode as {}.
	return c.Notify(ctx, MethodCancelRequest, &protocol.CancelParams{ID: &id})
}

// write serializes writes to the stream.
func (c *Conn) write(ctx context.Context, msg jsonrpc2.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(ctx, msg); err != nil {
		if c.Closed() {
			return ErrConnClosed
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// =============================================================================
// READ LOOP
// =============================================================================

// Run reads messages until the stream ends or ctx is cancelled.
//
// Description:
//
//	Calls and notifications are delivered to h in arrival order. Replies are
//	matched against the pending table. A $/cancelRequest notification from
//	the peer cancels the context of the matching inbound request and is not
//	delivered to h. The connection is closed when Run returns.
//
// Outputs:
//
//	error - nil on clean end of stream or Close, ctx.Err() on cancellation,
//	        otherwise the read error.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if h == nil {
		return ErrNilHandler
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stream reads do not observe ctx, so closing the stream is what unblocks them.
	go func() {
		select {
		case <-runCtx.Done():
			c.closeWith(ctx.Err())
		case <-c.done:
		}
	}()

	for {
		msg, _, err := c.stream.Read(runCtx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.closeWith(ctxErr)
				return ctxErr
			}
			if c.Closed() || errors.Is(err, io.EOF) {
				c.closeWith(nil)
				return nil
			}
			c.closeWith(err)
			return fmt.Errorf("read %s: %w", c.name, err)
		}
		c.dispatch(runCtx, h, msg)
	}
}

// dispatch routes one inbound message.
func (c *Conn) dispatch(ctx context.Context, h Handler, msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Call:
		req := newRequest(ctx, c, m)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			req.cancel()
			return
		}
		c.inbound[m.ID()] = req
		c.mu.Unlock()
		h.HandleCall(req.ctx, req)

	case *jsonrpc2.Notification:
		if m.Method() == MethodCancelRequest {
			c.cancelInbound(m.Params())
			return
		}
		h.HandleNotification(ctx, c, m.Method(), m.Params())

	case *jsonrpc2.Response:
		c.resolve(m)

	default:
		c.logger.Warn("dropping unrecognized message", slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

// resolve completes the pending entry for resp, at most once.
func (c *Conn) resolve(resp *jsonrpc2.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID()]
	if ok {
		delete(c.pending, resp.ID())
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply for unknown request", slog.String("id", fmt.Sprint(resp.ID())))
		return
	}
	if p.onReply != nil {
		p.onReply(resp)
	}
}

// cancelInbound handles a peer's $/cancelRequest.
func (c *Conn) cancelInbound(params json.RawMessage) {
	var cp struct {
		ID jsonrpc2.ID `json:"id"`
	}
	if err := json.Unmarshal(params, &cp); err != nil {
		c.logger.Warn("malformed cancel request", slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	req, ok := c.inbound[cp.ID]
	c.mu.Unlock()
	if !ok {
		// Already replied; cancellation is best-effort.
		return
	}
	req.cancel()
}

// forgetInbound drops a replied request from the inbound table.
func (c *Conn) forgetInbound(id jsonrpc2.ID) {
	c.mu.Lock()
	delete(c.inbound, id)
	c.mu.Unlock()
}

// =============================================================================
// CLOSE
// =============================================================================

// Close closes the connection.
//
// Description:
//
//	Fails every pending outbound request with a backend-unavailable reply,
//	cancels every inbound request's context, closes the stream and runs the
//	OnClose hooks. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	pend := c.pending
	c.pending = make(map[jsonrpc2.ID]*pending)
	inbound := c.inbound
	c.inbound = make(map[jsonrpc2.ID]*Request)
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	close(c.done)
	if err := c.stream.Close(); err != nil {
		c.logger.Debug("stream close", slog.String("error", err.Error()))
	}

	for id, p := range pend {
		if p.onReply == nil {
			continue
		}
		resp, _ := jsonrpc2.NewResponse(id, nil, BackendUnavailable())
		p.onReply(resp)
	}
	for _, req := range inbound {
		req.cancel()
	}
	for _, fn := range hooks {
		fn(reason)
	}

	attrs := []any{slog.Int("failed_pending", len(pend))}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	c.logger.Info("connection closed", attrs...)
}
