// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrpc provides the bidirectional message channel used by the gateway.
//
// A Conn wraps a go.lsp.dev/jsonrpc2 Stream and adds the bookkeeping the
// gateway needs on top of raw framing: an outbound pending table that
// correlates replies to the callers that sent the requests, an inbound request
// table so that peer cancellations ($/cancelRequest) reach the right handler,
// and closure reporting so that no caller waits forever on a dead peer.
//
// # Identity
//
// Every Conn carries a random identity (ID) and a human-readable name. Inbound
// messages are delivered to the Handler together with the receiving Conn, which
// is how a multiplexer tells which peer a message arrived from.
//
// # Closure
//
// When a Conn closes, every pending outbound request completes with a
// synthetic "backend unavailable" error reply and every inbound request's
// context is cancelled. Sends after closure fail with ErrConnClosed.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Run must be called from a
// single goroutine; handlers are invoked from that goroutine in arrival order.
package jsonrpc
