// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command vaflowd runs the video-analytics pipeline orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "vaflowd",
		Short:        "Run and inspect video-analytics pipelines",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to config file (YAML)")
	root.AddCommand(newRunCommand(), newBackendsCommand(), newConfigCommand(), newVersionCommand())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	if p == "" {
		p = os.Getenv("VAFLOW_CONFIG")
	}
	return p
}
