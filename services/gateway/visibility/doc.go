// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package visibility tracks which compiled unit outputs of the active build
// scheme are visible to the code index.
//
// On every scheme change the Tracker resolves the scheme's transitive target
// set, asks the build system for those targets' outputs, keeps the ones that
// look like compiled units, and diffs the result against the previous
// mapping. The index is told to remove what disappeared and then to add what
// appeared.
//
// # Freshness
//
// Runs are numbered in issue order. A run's diff is committed only if no
// later run has been issued by the time it finishes, so a slow run can never
// overwrite the result of a newer one.
package visibility
