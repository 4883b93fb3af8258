package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
)

var rootCmd = &cobra.Command{
	Use:   "tripsmith",
	Short: "Multi-agent travel itinerary engine",
	Long: `Tripsmith runs a travel plan through a graph of planning agents:
location, weather, accommodation, activity, transport, and budget.

Each run executes the graph concurrently under retry, cache, and cost-budget
policies, records every agent invocation, and streams progress events.

Start a run from a YAML input file:
  tripsmith run trip.yaml

Inspect persisted runs:
  tripsmith status
  tripsmith status <run-id>`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a config file (default: XDG config search)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Path to the sqlite database (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
