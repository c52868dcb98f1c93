// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buildsystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.lsp.dev/uri"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
)

// ManifestTarget is one target entry in a manifest file.
type ManifestTarget struct {
	buildgraph.Target `yaml:",inline"`

	// Outputs are the compiled outputs of the target.
	Outputs []string `yaml:"outputs,omitempty"`
}

// Manifest is a build system described by a YAML document.
//
// Description:
//
//	The document has two sections:
//
//	    targets:
//	      - id: target://app
//	        dependencies: [target://lib]
//	        outputs: [/build/app.o]
//	    files:
//	      /src/main.c:
//	        arguments: [-I/include, -c, /src/main.c]
//	        working_directory: /src
//
//	File keys may be plain paths or file:// URIs. Lookups accept either form.
//
// Thread Safety:
//
//	Safe for concurrent use. Replace swaps the whole content atomically.
type Manifest struct {
	mu      sync.RWMutex
	targets []ManifestTarget
	outputs map[buildgraph.TargetID][]string
	files   map[string]FileBuildSettings
}

type manifestDoc struct {
	Targets []ManifestTarget             `yaml:"targets"`
	Files   map[string]FileBuildSettings `yaml:"files"`
}

// LoadManifest reads and parses a manifest file.
//
// Outputs:
//
//	*Manifest - The parsed manifest.
//	error - ErrManifestNotFound if the file is missing, ErrInvalidManifest
//	        on parse errors.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m := &Manifest{}
	if err := m.replace(doc); err != nil {
		return nil, err
	}
	return m, nil
}

// NewManifest builds a manifest in code. Used by tests and embedders.
func NewManifest(targets []ManifestTarget, files map[string]FileBuildSettings) (*Manifest, error) {
	m := &Manifest{}
	if err := m.replace(manifestDoc{Targets: targets, Files: files}); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace swaps the manifest content for that of other.
func (m *Manifest) Replace(other *Manifest) {
	other.mu.RLock()
	targets, outputs, files := other.targets, other.outputs, other.files
	other.mu.RUnlock()

	m.mu.Lock()
	m.targets, m.outputs, m.files = targets, outputs, files
	m.mu.Unlock()
}

func (m *Manifest) replace(doc manifestDoc) error {
	outputs := make(map[buildgraph.TargetID][]string, len(doc.Targets))
	for i, t := range doc.Targets {
		if t.ID == "" {
			return fmt.Errorf("%w: target %d has no id", ErrInvalidManifest, i)
		}
		if _, dup := outputs[t.ID]; dup {
			return fmt.Errorf("%w: duplicate target %s", ErrInvalidManifest, t.ID)
		}
		outputs[t.ID] = t.Outputs
	}

	files := make(map[string]FileBuildSettings, len(doc.Files))
	for key, fbs := range doc.Files {
		files[normalizeDocument(key)] = fbs
	}

	m.mu.Lock()
	m.targets = doc.Targets
	m.outputs = outputs
	m.files = files
	m.mu.Unlock()
	return nil
}

// BuildTargets returns every target in the manifest.
func (m *Manifest) BuildTargets(ctx context.Context) ([]buildgraph.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]buildgraph.Target, len(m.targets))
	for i, t := range m.targets {
		out[i] = t.Target
	}
	return out, nil
}

// BuildTargetOutputPaths returns the outputs of the requested targets.
// Targets unknown to the manifest are omitted.
func (m *Manifest) BuildTargetOutputPaths(ctx context.Context, targets []buildgraph.TargetID) ([]OutputsItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]OutputsItem, 0, len(targets))
	for _, id := range targets {
		paths, ok := m.outputs[id]
		if !ok {
			continue
		}
		items = append(items, OutputsItem{Target: id, OutputPaths: append([]string(nil), paths...)})
	}
	return items, nil
}

// Settings returns the build settings recorded for document.
func (m *Manifest) Settings(ctx context.Context, document string, _ string) (*FileBuildSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	fbs, ok := m.files[normalizeDocument(document)]
	if !ok {
		return nil, nil
	}
	return &FileBuildSettings{
		CompilerArguments: append([]string(nil), fbs.CompilerArguments...),
		WorkingDirectory:  fbs.WorkingDirectory,
	}, nil
}

// normalizeDocument maps file URIs to cleaned filesystem paths so both forms
// share a key. Other URIs are kept verbatim.
func normalizeDocument(document string) string {
	if strings.HasPrefix(document, "file://") {
		return filepath.Clean(uri.URI(document).Filename())
	}
	if filepath.IsAbs(document) {
		return filepath.Clean(document)
	}
	return document
}

var (
	_ Manager          = (*Manifest)(nil)
	_ SettingsProvider = (*Manifest)(nil)
)
