// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy implements the forwarding proxy between an editor-facing
// client connection and one or more backend tooling connections.
//
// The proxy relays every request and notification it has no local handler
// for. Relayed requests get a fresh ID on the target connection; the reply
// is matched back to the original request and completes it with the
// identical result or error payload. Cancelling the original request sends
// exactly one $/cancelRequest for the forwarded ID.
//
// A few methods are handled locally: initialize captures the backend's
// capabilities, and textDocument/foldingRange is answered with null when the
// backend did not advertise a folding range provider. Other components add
// local handlers through Handle and OnNotification. With a Sequencer set,
// client messages are dispatched one at a time in arrival order, so a local
// handler's own backend traffic is never overtaken by later client
// messages.
package proxy
