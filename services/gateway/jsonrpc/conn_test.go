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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
)

// handlerFuncs adapts closures to Handler for tests.
type handlerFuncs struct {
	call   func(ctx context.Context, req *Request)
	notify func(ctx context.Context, from *Conn, method string, params json.RawMessage)
}

func (h handlerFuncs) HandleCall(ctx context.Context, req *Request) {
	if h.call != nil {
		h.call(ctx, req)
	}
}

func (h handlerFuncs) HandleNotification(ctx context.Context, from *Conn, method string, params json.RawMessage) {
	if h.notify != nil {
		h.notify(ctx, from, method, params)
	}
}

// startPair runs both ends of a pipe and stops them at test cleanup.
func startPair(t *testing.T, ha, hb Handler) (*Conn, *Conn) {
	t.Helper()
	a, b := NewPipe("a", "b", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx, ha) }()
	go func() { _ = b.Run(ctx, hb) }()
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func waitReply(t *testing.T, ch <-chan *jsonrpc2.Response) *jsonrpc2.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestConn_CallReply(t *testing.T) {
	echo := handlerFuncs{call: func(_ context.Context, req *Request) {
		_ = req.Reply(req.Params(), nil)
	}}
	a, _ := startPair(t, handlerFuncs{}, echo)

	replies := make(chan *jsonrpc2.Response, 1)
	_, err := a.Call(context.Background(), "echo", map[string]int{"n": 7}, func(resp *jsonrpc2.Response) {
		replies <- resp
	})
	require.NoError(t, err)

	resp := waitReply(t, replies)
	require.NoError(t, resp.Err())
	assert.JSONEq(t, `{"n":7}`, string(resp.Result()))
}

func TestConn_OutOfOrderReplies(t *testing.T) {
	held := make(chan *Request, 2)
	b := handlerFuncs{call: func(_ context.Context, req *Request) {
		held <- req
	}}
	a, _ := startPair(t, handlerFuncs{}, b)

	first := make(chan *jsonrpc2.Response, 1)
	second := make(chan *jsonrpc2.Response, 1)
	id1, err := a.Call(context.Background(), "first", nil, func(r *jsonrpc2.Response) { first <- r })
	require.NoError(t, err)
	id2, err := a.Call(context.Background(), "second", nil, func(r *jsonrpc2.Response) { second <- r })
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	r1 := <-held
	r2 := <-held
	require.NoError(t, r2.Reply("two", nil))
	require.NoError(t, r1.Reply("one", nil))

	assert.JSONEq(t, `"one"`, string(waitReply(t, first).Result()))
	assert.JSONEq(t, `"two"`, string(waitReply(t, second).Result()))
}

func TestConn_ErrorReply(t *testing.T) {
	b := handlerFuncs{call: func(_ context.Context, req *Request) {
		_ = req.Reply(nil, NewError(CodeInvalidParams, "bad params"))
	}}
	a, _ := startPair(t, handlerFuncs{}, b)

	replies := make(chan *jsonrpc2.Response, 1)
	_, err := a.Call(context.Background(), "x", nil, func(r *jsonrpc2.Response) { replies <- r })
	require.NoError(t, err)

	resp := waitReply(t, replies)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, resp.Err(), &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "bad params", rpcErr.Message)
}

func TestRequest_ReplyTwice(t *testing.T) {
	errs := make(chan error, 1)
	b := handlerFuncs{call: func(_ context.Context, req *Request) {
		_ = req.Reply(1, nil)
		errs <- req.Reply(2, nil)
	}}
	a, _ := startPair(t, handlerFuncs{}, b)

	replies := make(chan *jsonrpc2.Response, 2)
	_, err := a.Call(context.Background(), "x", nil, func(r *jsonrpc2.Response) { replies <- r })
	require.NoError(t, err)

	assert.JSONEq(t, `1`, string(waitReply(t, replies).Result()))
	assert.ErrorIs(t, <-errs, ErrAlreadyReplied)
}

func TestConn_CloseFailsPending(t *testing.T) {
	b := handlerFuncs{call: func(context.Context, *Request) {}}
	a, _ := startPair(t, handlerFuncs{}, b)

	replies := make(chan *jsonrpc2.Response, 1)
	_, err := a.Call(context.Background(), "never", nil, func(r *jsonrpc2.Response) { replies <- r })
	require.NoError(t, err)

	closed := make(chan struct{})
	a.OnClose(func(error) { close(closed) })
	require.NoError(t, a.Close())

	resp := waitReply(t, replies)
	assert.True(t, IsBackendUnavailable(resp.Err()))
	<-closed

	_, err = a.Call(context.Background(), "late", nil, nil)
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.ErrorIs(t, a.Notify(context.Background(), "late", nil), ErrConnClosed)
}

func TestConn_PeerCloseFailsPending(t *testing.T) {
	b := handlerFuncs{call: func(context.Context, *Request) {}}
	a, bConn := startPair(t, handlerFuncs{}, b)

	replies := make(chan *jsonrpc2.Response, 1)
	_, err := a.Call(context.Background(), "never", nil, func(r *jsonrpc2.Response) { replies <- r })
	require.NoError(t, err)

	require.NoError(t, bConn.Close())
	assert.True(t, IsBackendUnavailable(waitReply(t, replies).Err()))

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn did not observe peer close")
	}
}

func TestConn_PeerCancelReachesRequest(t *testing.T) {
	cancelled := make(chan jsonrpc2.ID, 1)
	b := handlerFuncs{call: func(_ context.Context, req *Request) {
		req.OnCancel(func() {
			cancelled <- req.ID()
			_ = req.Reply(nil, NewError(CodeRequestCancelled, "cancelled"))
		})
	}}
	a, _ := startPair(t, handlerFuncs{}, b)

	replies := make(chan *jsonrpc2.Response, 1)
	id, err := a.Call(context.Background(), "slow", nil, func(r *jsonrpc2.Response) { replies <- r })
	require.NoError(t, err)
	require.NoError(t, a.Cancel(context.Background(), id))

	select {
	case got := <-cancelled:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not reach the request")
	}

	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, waitReply(t, replies).Err(), &rpcErr)
	assert.Equal(t, CodeRequestCancelled, rpcErr.Code)
}

func TestConn_NotificationDelivery(t *testing.T) {
	type note struct {
		from   *Conn
		method string
		params json.RawMessage
	}
	got := make(chan note, 1)
	b := handlerFuncs{notify: func(_ context.Context, from *Conn, method string, params json.RawMessage) {
		got <- note{from, method, params}
	}}
	a, bConn := startPair(t, handlerFuncs{}, b)

	require.NoError(t, a.Notify(context.Background(), "hello", []string{"x"}))

	select {
	case n := <-got:
		assert.Same(t, bConn, n.from)
		assert.Equal(t, "hello", n.method)
		assert.JSONEq(t, `["x"]`, string(n.params))
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_RunRequiresHandler(t *testing.T) {
	a, _ := NewPipe("a", "b", nil)
	defer a.Close()
	assert.ErrorIs(t, a.Run(context.Background(), nil), ErrNilHandler)
}

func TestConn_Identity(t *testing.T) {
	a, b := NewPipe("client", "backend", nil)
	defer a.Close()
	defer b.Close()
	assert.Equal(t, "client", a.Name())
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
