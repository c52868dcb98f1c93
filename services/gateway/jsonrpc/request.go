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
	"sync/atomic"

	"go.lsp.dev/jsonrpc2"
)

// Request is an inbound call awaiting a reply.
//
// Description:
//
//	The request context is cancelled when the peer sends $/cancelRequest for
//	this ID, when the connection closes, or after the reply is written.
//
// Thread Safety:
//
//	Reply and OnCancel are safe to call from any goroutine.
type Request struct {
	call    *jsonrpc2.Call
	conn    *Conn
	ctx     context.Context
	cancel  context.CancelFunc
	replied atomic.Bool
}

func newRequest(parent context.Context, conn *Conn, call *jsonrpc2.Call) *Request {
	ctx, cancel := context.WithCancel(parent)
	return &Request{call: call, conn: conn, ctx: ctx, cancel: cancel}
}

// ID returns the request ID as sent by the peer.
func (r *Request) ID() jsonrpc2.ID { return r.call.ID() }

// Method returns the method name.
func (r *Request) Method() string { return r.call.Method() }

// Params returns the raw parameters.
func (r *Request) Params() json.RawMessage { return r.call.Params() }

// Conn returns the connection the request arrived on.
func (r *Request) Conn() *Conn { return r.conn }

// Context returns the request context.
func (r *Request) Context() context.Context { return r.ctx }

// Replied reports whether Reply has been called.
func (r *Request) Replied() bool { return r.replied.Load() }

// Reply sends the reply for this request.
//
// Description:
//
//	If err is non-nil the reply carries err; a *jsonrpc2.Error keeps its code
//	and data, any other error is reported as an internal error. Otherwise the
//	reply carries result, where a json.RawMessage is sent verbatim and a nil
//	result is sent as null.
//
// Outputs:
//
//	error - ErrAlreadyReplied on a second call, ErrConnClosed if the peer is
//	        gone, otherwise the write error.
func (r *Request) Reply(result any, err error) error {
	if !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	defer r.cancel()
	r.conn.forgetInbound(r.ID())

	if err != nil {
		var rpcErr *jsonrpc2.Error
		if !errors.As(err, &rpcErr) {
			err = NewError(CodeInternalError, err.Error())
		}
		result = nil
	}
	if raw, ok := result.(json.RawMessage); ok && len(raw) == 0 {
		result = nil
	}
	resp, buildErr := jsonrpc2.NewResponse(r.ID(), result, err)
	if buildErr != nil {
		resp, _ = jsonrpc2.NewResponse(r.ID(), nil, NewError(CodeInternalError, buildErr.Error()))
	}
	if r.conn.Closed() {
		return ErrConnClosed
	}
	return r.conn.write(context.Background(), resp)
}

// OnCancel arranges for fn to run when the request context is cancelled
// before a reply. The returned stop function detaches fn and reports
// whether it did so before fn started.
func (r *Request) OnCancel(fn func()) (stop func() bool) {
	return context.AfterFunc(r.ctx, func() {
		if r.replied.Load() {
			return
		}
		fn()
	})
}
