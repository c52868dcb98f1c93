// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
)

// Kind is the discriminant of a settings payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindClangd
	KindDocumentUpdated
	KindScheme
	KindClient
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindClangd:
		return "clangd"
	case KindDocumentUpdated:
		return "documentUpdated"
	case KindScheme:
		return "scheme"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Marker paths, in classification order.
const (
	pathScheme       = "sourcekit-lsp.scheme"
	pathBuildServer  = "sourcekit-lsp.buildServer"
	pathCDBPath      = "compilationDatabasePath"
	pathCDBChanges   = "compilationDatabaseChanges"
	pathDocumentURL  = "url"
	pathDocumentLang = "language"
)

// Classify returns the kind of raw by its markers alone.
//
// Non-object and invalid JSON is KindUnknown.
func Classify(raw []byte) Kind {
	if !gjson.ValidBytes(raw) {
		return KindUnknown
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return KindUnknown
	}
	switch {
	case root.Get(pathScheme).Exists():
		return KindScheme
	case root.Get(pathBuildServer).Exists():
		return KindClient
	case root.Get(pathCDBPath).Exists(), root.Get(pathCDBChanges).Exists():
		return KindClangd
	case root.Get(pathDocumentURL).Exists() && root.Get(pathDocumentLang).Exists():
		return KindDocumentUpdated
	default:
		return KindUnknown
	}
}

// Change is a decoded settings payload.
//
// Exactly one of the typed fields is set, matching Kind. KindUnknown sets
// none. Raw always holds the original bytes.
type Change struct {
	Kind     Kind
	Clang    *ClangWorkspaceSettings
	Document *DocumentUpdatedBuildSettings
	Scheme   *buildgraph.Scheme
	Client   *BuildServerConfigurations
	Raw      json.RawMessage
}

// Decode classifies raw and decodes its body.
//
// Description:
//
//	Uses Classify to pick the kind, then decodes and validates the body for
//	that kind. Unknown payloads decode successfully with only Raw set.
//
// Outputs:
//
//	Change - The decoded change. On error Kind and Raw are still set.
//	error - Wraps ErrMalformed when the body does not match its kind.
func Decode(raw []byte) (Change, error) {
	change := Change{Kind: Classify(raw), Raw: append(json.RawMessage(nil), raw...)}

	var err error
	switch change.Kind {
	case KindScheme:
		change.Scheme, err = decodeScheme(raw)
	case KindClient:
		change.Client, err = decodeBuildServer(raw)
	case KindClangd:
		change.Clang, err = decodeClang(raw)
	case KindDocumentUpdated:
		change.Document, err = decodeDocumentUpdated(raw)
	}
	if err != nil {
		return change, fmt.Errorf("%w: %s: %v", ErrMalformed, change.Kind, err)
	}
	return change, nil
}

func decodeScheme(raw []byte) (*buildgraph.Scheme, error) {
	v := gjson.GetBytes(raw, pathScheme)
	if !v.IsArray() {
		return nil, fmt.Errorf("%s must be an array of strings", pathScheme)
	}
	items := v.Array()
	scheme := &buildgraph.Scheme{Targets: make([]buildgraph.TargetID, 0, len(items))}
	for i, item := range items {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("%s[%d] is not a string", pathScheme, i)
		}
		scheme.Targets = append(scheme.Targets, buildgraph.TargetID(item.Str))
	}
	return scheme, nil
}

func decodeBuildServer(raw []byte) (*BuildServerConfigurations, error) {
	v := gjson.GetBytes(raw, pathBuildServer)
	if !v.IsObject() {
		return nil, fmt.Errorf("%s must be an object", pathBuildServer)
	}
	var cfg BuildServerConfigurations
	if err := json.Unmarshal([]byte(v.Raw), &cfg); err != nil {
		return nil, err
	}
	if cfg.Scheme != nil && cfg.Scheme.Identifier == "" {
		return nil, fmt.Errorf("scheme.identifier is required")
	}
	if cfg.Destination != nil && (cfg.Destination.Architecture == "" || cfg.Destination.Platform == "") {
		return nil, fmt.Errorf("destination.architecture and destination.platform are required")
	}
	return &cfg, nil
}

func decodeClang(raw []byte) (*ClangWorkspaceSettings, error) {
	var out ClangWorkspaceSettings

	if v := gjson.GetBytes(raw, pathCDBPath); v.Type == gjson.String {
		path := v.Str
		out.CompilationDatabasePath = &path
	}
	if v := gjson.GetBytes(raw, pathCDBChanges); v.IsObject() {
		var changes map[string]ClangCompileCommand
		if err := json.Unmarshal([]byte(v.Raw), &changes); err == nil {
			out.CompilationDatabaseChanges = changes
		}
	}

	if (out.CompilationDatabasePath == nil) == (out.CompilationDatabaseChanges == nil) {
		return nil, fmt.Errorf("exactly one of %s and %s must be valid", pathCDBPath, pathCDBChanges)
	}
	return &out, nil
}

func decodeDocumentUpdated(raw []byte) (*DocumentUpdatedBuildSettings, error) {
	url := gjson.GetBytes(raw, pathDocumentURL)
	lang := gjson.GetBytes(raw, pathDocumentLang)
	if url.Type != gjson.String || url.Str == "" {
		return nil, fmt.Errorf("%s must be a non-empty string", pathDocumentURL)
	}
	if lang.Type != gjson.String || lang.Str == "" {
		return nil, fmt.Errorf("%s must be a non-empty string", pathDocumentLang)
	}
	return &DocumentUpdatedBuildSettings{URL: url.Str, Language: lang.Str}, nil
}
