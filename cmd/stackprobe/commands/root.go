package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackprobe/stackprobe/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackprobe",
		Short: "StackProbe - cloud architecture validation pipeline",
		Long: `StackProbe validates cloud architecture definitions by generating probe
applications for them, deploying each probe against an ephemeral emulated
backend, and running its test suite.

Features:
  - Resumable runs via a write-through state file
  - Typed run configs via CUE, selector scripts via Starlark
  - Bounded parallel validation with per-task containers
  - Policy checks on generated probes (OPA/rego)
  - SQLite archive of runs, results, and events`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stackprobe.cue", "run config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}

// loadRunConfig loads and validates the run configuration, folding any
// validation error into the returned error.
func loadRunConfig() (*config.RunConfig, error) {
	parser := config.NewParser()
	return parser.MustLoad(configPath)
}
