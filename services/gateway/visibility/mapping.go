// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visibility

import (
	"sort"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
)

// Mapping maps each resolved target to its visible unit output paths.
type Mapping map[buildgraph.TargetID][]string

// Outputs returns the union of every target's paths.
func (m Mapping) Outputs() map[string]struct{} {
	out := make(map[string]struct{})
	for _, paths := range m {
		for _, p := range paths {
			out[p] = struct{}{}
		}
	}
	return out
}

// Clone returns a deep copy.
func (m Mapping) Clone() Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for id, paths := range m {
		out[id] = append([]string(nil), paths...)
	}
	return out
}

// Diff returns the paths that must be added and removed to move the index
// from old to next. Both slices are sorted and free of duplicates.
//
// A path listed under several targets stays visible as long as any target
// in next still lists it.
func Diff(old, next Mapping) (added, removed []string) {
	oldSet := old.Outputs()
	nextSet := next.Outputs()

	for p := range nextSet {
		if _, ok := oldSet[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range oldSet {
		if _, ok := nextSet[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
