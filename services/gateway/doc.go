// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the lspgate components into a runnable service.
//
// A Service sits between an editor connection and a language server
// connection. It forwards traffic through a proxy.Proxy, keeps backend
// compile settings in step with the build system through a
// configsync.Syncer, and in explicit index mode drives a
// visibility.Tracker from scheme changes.
//
// An optional debug HTTP surface reports proxy state, the visibility
// mapping and prometheus metrics.
package gateway
