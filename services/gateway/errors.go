// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import "errors"

var (
	// ErrNilSettings indicates no settings provider was supplied.
	ErrNilSettings = errors.New("settings provider must not be nil")

	// ErrExplicitModeDeps indicates explicit index mode without a build
	// system manager or index.
	ErrExplicitModeDeps = errors.New("explicit index mode requires a build system and an index")

	// ErrNoTracker indicates the service runs without a visibility tracker.
	ErrNoTracker = errors.New("visibility tracking is disabled")
)
