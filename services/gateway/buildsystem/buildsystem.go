// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buildsystem defines the build-system contracts the gateway consumes
// and a YAML manifest implementation of them.
//
// A real deployment points the gateway at whatever build system owns the
// workspace. The Manifest type covers fixtures, tests and small projects
// where the target graph and per-file compiler arguments are written by hand.
package buildsystem

import (
	"context"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
)

// FileBuildSettings holds the compiler invocation for one source file.
type FileBuildSettings struct {
	// CompilerArguments excludes the compiler executable itself.
	CompilerArguments []string `json:"compilerArguments" yaml:"arguments"`

	// WorkingDirectory may be empty.
	WorkingDirectory string `json:"workingDirectory,omitempty" yaml:"working_directory,omitempty"`
}

// OutputsItem lists the compiled outputs of one target.
type OutputsItem struct {
	Target      buildgraph.TargetID `json:"target"`
	OutputPaths []string            `json:"outputPaths"`
}

// SettingsProvider answers per-file build settings.
type SettingsProvider interface {
	// Settings returns the settings for document, or nil, nil when the
	// build system has none.
	Settings(ctx context.Context, document string, language string) (*FileBuildSettings, error)
}

// Manager answers questions about the build-target graph.
type Manager interface {
	BuildTargets(ctx context.Context) ([]buildgraph.Target, error)
	BuildTargetOutputPaths(ctx context.Context, targets []buildgraph.TargetID) ([]OutputsItem, error)
}
