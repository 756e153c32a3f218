package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Arbiter - policy evaluation and deliberation for AI agents",
	Long: `Arbiter ingests AI agent activity events, evaluates them against
tenant-scoped policy rules, and escalates flagged events to multi-agent
deliberation panels that vote on a verdict.

It provides:
  - Priority-ordered policy rules: rate limits, pattern detection,
    blocklists, allowlists and payload size caps
  - Multi-agent deliberation with configurable consensus strategies
  - Ephemeral retention that destroys transcripts after the verdict
  - Live event and session streaming over websockets and Kafka`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
