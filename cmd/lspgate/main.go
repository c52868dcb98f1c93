// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lspgate runs a language server gateway over stdio.
//
// The editor speaks to lspgate on stdin/stdout. lspgate launches the
// configured language server as a child process and relays traffic between
// the two, keeping compile settings and index visibility in step with the
// build system.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at link time.
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "lspgate",
		Short: "A language server gateway",
		Long: `lspgate sits between an editor and a language server. It forwards
requests, keeps backend compile settings in step with the build system,
and tracks which build outputs are visible to the index.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the lspgate version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lspgate %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to lspgate.yaml")
	rootCmd.AddCommand(serveCmd, resolveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lspgate:", err)
		os.Exit(1)
	}
}
