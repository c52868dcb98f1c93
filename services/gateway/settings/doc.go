// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings classifies and decodes workspace configuration payloads
// exchanged over workspace/didChangeConfiguration.
//
// # Kinds
//
// A settings payload is one of five kinds, recognized by marker paths checked
// in this fixed order:
//
//	scheme           sourcekit-lsp.scheme
//	client           sourcekit-lsp.buildServer
//	clangd           compilationDatabasePath or compilationDatabaseChanges
//	documentUpdated  url and language
//	unknown          anything else
//
// A payload that carries markers of two kinds resolves to the first match.
// Classification looks only at markers. Decode additionally validates the
// body and reports ErrMalformed when a recognized marker has a bad body.
package settings
