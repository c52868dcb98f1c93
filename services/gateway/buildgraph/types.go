// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buildgraph holds the build-target data model and the transitive
// closure resolver used to decide which targets belong to a scheme.
//
// The package is pure: it performs no I/O and holds no state between calls.
package buildgraph

import "sort"

// TargetID identifies a build target. It is URI-shaped, for example
// "target:App" or "build://pkg/lib".
type TargetID string

// String returns the identifier as a string.
func (id TargetID) String() string { return string(id) }

// Capabilities describes what a build target supports.
type Capabilities struct {
	CanCompile bool `json:"canCompile,omitempty" yaml:"can_compile,omitempty"`
	CanTest    bool `json:"canTest,omitempty" yaml:"can_test,omitempty"`
	CanRun     bool `json:"canRun,omitempty" yaml:"can_run,omitempty"`
	CanDebug   bool `json:"canDebug,omitempty" yaml:"can_debug,omitempty"`
}

// Target is a build target and its direct dependencies.
//
// Dependencies may reference identifiers that are not known to the build
// system, and may form cycles.
type Target struct {
	ID           TargetID     `json:"id" yaml:"id"`
	DisplayName  string       `json:"displayName,omitempty" yaml:"display_name,omitempty"`
	Tags         []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	LanguageIDs  []string     `json:"languageIds,omitempty" yaml:"language_ids,omitempty"`
	Dependencies []TargetID   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities,omitempty"`
}

// Scheme is an ordered set of root targets chosen by the user.
type Scheme struct {
	Identifier    string     `json:"identifier,omitempty"`
	Configuration string     `json:"configuration,omitempty"`
	Targets       []TargetID `json:"targets"`
}

// NewScheme builds a scheme from root identifiers.
func NewScheme(roots ...TargetID) Scheme {
	return Scheme{Targets: roots}
}

// TargetMap indexes targets by identifier. When an identifier repeats, the
// last target wins.
func TargetMap(targets []Target) map[TargetID]Target {
	m := make(map[TargetID]Target, len(targets))
	for _, t := range targets {
		m[t.ID] = t
	}
	return m
}

// SortedIDs returns the identifiers of set in lexical order.
func SortedIDs(set map[TargetID]struct{}) []TargetID {
	ids := make([]TargetID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
