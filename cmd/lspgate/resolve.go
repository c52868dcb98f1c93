// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
)

var (
	resolveManifest string

	resolveCmd = &cobra.Command{
		Use:   "resolve [target...]",
		Short: "Print the transitive dependency closure of targets",
		Long: `Loads a build manifest and prints every target reachable from the
given roots, one per line in sorted order. Unknown targets are printed
as leaves.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runResolve,
	}
)

func init() {
	resolveCmd.Flags().StringVarP(&resolveManifest, "manifest", "m", "", "path to the build manifest (required)")
	_ = resolveCmd.MarkFlagRequired("manifest")
}

func runResolve(cmd *cobra.Command, args []string) error {
	manifest, err := buildsystem.LoadManifest(resolveManifest)
	if err != nil {
		return err
	}
	targets, err := manifest.BuildTargets(cmd.Context())
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	roots := make([]buildgraph.TargetID, len(args))
	for i, a := range args {
		roots[i] = buildgraph.TargetID(a)
	}
	for _, id := range buildgraph.ResolveSorted(buildgraph.NewScheme(roots...), buildgraph.TargetMap(targets)) {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
