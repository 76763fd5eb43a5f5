// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.


package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	// RootCmd is the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "epctl",
		Short: "inspect and drive an embedded ep engine bucket",
		Long: fmt.Sprintf(`epctl (v%s)

Validates, persists and inspects collections manifests and runs a
standalone bucket. Every engine setting can be given as a flag, in a
config file or as an EP_<KEY> environment variable (e.g. EP_MAX_SIZE).`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of epctl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "epctl v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(loadEnvFiles)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(manifestCommands)
	RootCmd.AddCommand(serveCmd)

	setupEngineFlags(RootCmd)
}
