// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configsync

import "errors"

var (
	// ErrNilProvider indicates the syncer was built without a settings provider.
	ErrNilProvider = errors.New("settings provider must not be nil")

	// ErrNilBackend indicates the syncer was built without a backend.
	ErrNilBackend = errors.New("backend must not be nil")

	// ErrStopped indicates the syncer no longer accepts events.
	ErrStopped = errors.New("config syncer stopped")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("config syncer already started")
)
