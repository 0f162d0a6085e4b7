package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackprobe/stackprobe/pkg/processor"
	"github.com/stackprobe/stackprobe/pkg/stores"
)

// stateDisplayOrder lists states in pipeline order for the status report.
var stateDisplayOrder = []processor.ArchState{
	processor.StatePending,
	processor.StateMining,
	processor.StateMined,
	processor.StateGenerating,
	processor.StateGenerated,
	processor.StateRateLimited,
	processor.StateValidating,
	processor.StateValidated,
	processor.StatePassed,
	processor.StatePartial,
	processor.StateFailed,
	processor.StateError,
	processor.StateSkipped,
}

func newStatusCommand() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of the current run",
		Long: `Show the progress of the current or last run from the persisted state
file: item counts per pipeline state plus the aggregate counters.`,
		Example: `  # Show progress of the run configured in stackprobe.cue
  stackprobe status

  # Show progress from an explicit state file
  stackprobe status --state ./stackprobe-state.json

  # Machine-readable output
  stackprobe status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := statePath
			if path == "" {
				cfg, err := loadRunConfig()
				if err != nil {
					return err
				}
				path = cfg.StateFile
			}

			snap, err := stores.NewStateFile(path, zerolog.Nop()).Load()
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Printf("no run state at %s\n", path)
				return nil
			}

			return printStatus(path, snap)
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "state file path (overrides config)")

	return cmd
}

func printStatus(path string, snap *processor.Snapshot) error {
	summary := make(map[processor.ArchState]int)
	for _, item := range snap.Items {
		summary[item.Current]++
	}

	if jsonOutput {
		out, err := json.MarshalIndent(map[string]interface{}{
			"state_file": path,
			"saved_at":   snap.SavedAt,
			"progress":   summary,
			"stats":      snap.Stats,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("State file %s (saved %s)\n", path, snap.SavedAt.Format("2006-01-02 15:04:05"))
	for _, state := range stateDisplayOrder {
		if n := summary[state]; n > 0 {
			fmt.Printf("  %-12s %d\n", state, n)
		}
	}

	stats := snap.Stats
	fmt.Printf("Completed %d/%d", stats.Completed(), stats.Total)
	if stats.Completed() > 0 {
		fmt.Printf(", pass rate %.1f%%", stats.PassRate()*100)
	}
	fmt.Println()
	return nil
}
