// Package main is the Fern CLI: a long-running agent host plus a few
// maintenance commands that operate on the same data directory.
//
// Start the host:
//
//	fern serve --config fern.yaml
//
// Inspect state:
//
//	fern memory list
//	fern jobs list
//
// Configuration comes from an optional YAML file and the environment;
// environment variables win. See internal/config for the full list.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fernlabs/fern/internal/observability"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fern",
		Short: "Fern - long-running personal agent host",
		Long: `Fern hosts a long-running AI agent reachable over chat channels and
GitHub webhooks, with durable memory, conversation archival, scheduled
jobs and delegated sub-agent tasks.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "info"
			if flagDebug {
				level = "debug"
			}
			slog.SetDefault(observability.NewLogger(observability.LogConfig{
				Level:  level,
				Format: "json",
			}))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildMemoryCmd(),
		buildJobsCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fern %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
