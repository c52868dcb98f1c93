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
	"errors"

	"go.lsp.dev/jsonrpc2"
)

// Sentinel errors for connection operations.
var (
	// ErrConnClosed indicates the connection is closed and cannot send.
	ErrConnClosed = errors.New("jsonrpc connection closed")

	// ErrAlreadyReplied indicates Reply was called more than once for a request.
	ErrAlreadyReplied = errors.New("request already replied")

	// ErrNilHandler indicates Run was called without a handler.
	ErrNilHandler = errors.New("handler must not be nil")
)

// MethodCancelRequest is the base-protocol notification that cancels a request.
const MethodCancelRequest = "$/cancelRequest"

// JSON-RPC and LSP error codes used by the gateway.
const (
	CodeParseError       jsonrpc2.Code = -32700
	CodeInvalidRequest   jsonrpc2.Code = -32600
	CodeMethodNotFound   jsonrpc2.Code = -32601
	CodeInvalidParams    jsonrpc2.Code = -32602
	CodeInternalError    jsonrpc2.Code = -32603
	CodeRequestCancelled jsonrpc2.Code = -32800

	// CodeBackendUnavailable is reported for requests whose peer went away.
	// It sits in the JSON-RPC reserved server-error range.
	CodeBackendUnavailable jsonrpc2.Code = -32099
)

// NewError builds a wire error with the given code and message.
func NewError(code jsonrpc2.Code, message string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: code, Message: message}
}

// BackendUnavailable returns the error used to fail requests on a closed peer.
func BackendUnavailable() *jsonrpc2.Error {
	return NewError(CodeBackendUnavailable, "backend unavailable")
}

// IsBackendUnavailable reports whether err is the closed-peer error reply.
func IsBackendUnavailable(err error) bool {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == CodeBackendUnavailable
	}
	return false
}
