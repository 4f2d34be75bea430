package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// errRunFailed is returned when a workflow run ends FAILED, so the process
// exits non-zero after the results were printed.
var errRunFailed = errors.New("workflow run failed")

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowgraph",
		Short: "flowgraph - graph workflow engine",
		Long: `flowgraph runs workflows described as graphs of typed nodes.

Nodes hold constants, run Starlark scripts or resolve files. Outputs feed
inputs of downstream nodes, independent nodes run concurrently and the
outputs of deterministic nodes are cached by a hash of their inputs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
