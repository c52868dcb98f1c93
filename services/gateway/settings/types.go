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
	"strings"

	"go.lsp.dev/uri"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
)

// DefaultClangPath is the compiler executable used when none is configured.
const DefaultClangPath = "clang"

// ClangWorkspaceSettings is the clangd configuration payload.
//
// Exactly one field is set in a valid payload.
type ClangWorkspaceSettings struct {
	CompilationDatabasePath    *string                        `json:"compilationDatabasePath,omitempty"`
	CompilationDatabaseChanges map[string]ClangCompileCommand `json:"compilationDatabaseChanges,omitempty"`
}

// ClangCompileCommand is one compilation database entry.
type ClangCompileCommand struct {
	// CompilationCommand is the executable followed by its arguments.
	CompilationCommand []string `json:"compilationCommand"`
	WorkingDirectory   string   `json:"workingDirectory"`
}

// NewClangCompileCommand builds the compile command for fbs.
//
// The executable is clangPath, or DefaultClangPath when empty. A missing
// working directory is sent as the empty string.
func NewClangCompileCommand(fbs buildsystem.FileBuildSettings, clangPath string) ClangCompileCommand {
	if clangPath == "" {
		clangPath = DefaultClangPath
	}
	cmd := make([]string, 0, len(fbs.CompilerArguments)+1)
	cmd = append(cmd, clangPath)
	cmd = append(cmd, fbs.CompilerArguments...)
	return ClangCompileCommand{CompilationCommand: cmd, WorkingDirectory: fbs.WorkingDirectory}
}

// NewCompilationDatabaseChange builds a single-file clangd settings payload.
func NewCompilationDatabaseChange(path string, cmd ClangCompileCommand) ClangWorkspaceSettings {
	return ClangWorkspaceSettings{
		CompilationDatabaseChanges: map[string]ClangCompileCommand{path: cmd},
	}
}

// DocumentUpdatedBuildSettings announces that a document's build settings
// changed.
type DocumentUpdatedBuildSettings struct {
	URL      string `json:"url"`
	Language string `json:"language"`
}

// BuildServerConfigurations is the client's build server selection.
type BuildServerConfigurations struct {
	Scheme      *Scheme      `json:"scheme,omitempty"`
	Destination *Destination `json:"destination,omitempty"`
}

// Scheme is the client's description of a build scheme.
type Scheme struct {
	Identifier    string    `json:"identifier"`
	Configuration *string   `json:"configuration,omitempty"`
	Targets       []*string `json:"targets"`
}

// BuildScheme converts the client scheme to the resolver's scheme. Null
// target entries are skipped.
func (s *Scheme) BuildScheme() buildgraph.Scheme {
	out := buildgraph.Scheme{Identifier: s.Identifier, Targets: make([]buildgraph.TargetID, 0, len(s.Targets))}
	if s.Configuration != nil {
		out.Configuration = *s.Configuration
	}
	for _, t := range s.Targets {
		if t != nil {
			out.Targets = append(out.Targets, buildgraph.TargetID(*t))
		}
	}
	return out
}

// Destination is the device or simulator the client builds for.
type Destination struct {
	UDID         *string `json:"udid,omitempty"`
	Architecture string  `json:"architecture"`
	Platform     string  `json:"platform"`
}

// DocumentPath returns the filesystem path for a file:// document URI and
// the input unchanged for anything else.
func DocumentPath(document string) string {
	if strings.HasPrefix(document, "file://") {
		return uri.URI(document).Filename()
	}
	return document
}
