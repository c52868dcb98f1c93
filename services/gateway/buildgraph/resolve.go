// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buildgraph

// Resolve computes the transitive dependency closure of a scheme.
//
// Description:
//
//	Walks the dependency graph from the scheme's roots with an explicit work
//	list. An identifier is checked against the visited set before it is
//	expanded, so each identifier is expanded at most once and cycles
//	terminate. Identifiers missing from targets are included in the result
//	as leaves.
//
// Inputs:
//
//	scheme - Roots of the walk. Duplicate roots are fine.
//	targets - Known targets by identifier. May be nil.
//
// Outputs:
//
//	map[TargetID]struct{} - Every identifier reachable from a root,
//	                        including the roots themselves.
//
// Example:
//
//	targets := TargetMap([]Target{
//	    {ID: "a", Dependencies: []TargetID{"b"}},
//	    {ID: "b"},
//	})
//	closure := Resolve(NewScheme("a"), targets) // {a, b}
//
// Thread Safety:
//
//	Safe for concurrent use if targets is not mutated during the call.
func Resolve(scheme Scheme, targets map[TargetID]Target) map[TargetID]struct{} {
	visited := make(map[TargetID]struct{}, len(scheme.Targets))

	work := make([]TargetID, len(scheme.Targets))
	copy(work, scheme.Targets)

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]

		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		target, ok := targets[id]
		if !ok {
			continue
		}
		for _, dep := range target.Dependencies {
			if _, seen := visited[dep]; !seen {
				work = append(work, dep)
			}
		}
	}
	return visited
}

// ResolveSorted is Resolve with the result in lexical order.
func ResolveSorted(scheme Scheme, targets map[TargetID]Target) []TargetID {
	return SortedIDs(Resolve(scheme, targets))
}
