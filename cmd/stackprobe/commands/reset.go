package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackprobe/stackprobe/pkg/processor"
	"github.com/stackprobe/stackprobe/pkg/stores"
)

func newResetCommand() *cobra.Command {
	var (
		statePath string
		clear     bool
	)

	cmd := &cobra.Command{
		Use:   "reset [arch-id...]",
		Short: "Reset run state",
		Long: `Reset items in the persisted run state back to PENDING so the next run
processes them again. With architecture IDs, only those items are reset;
without, every item is. --clear drops the state entirely.`,
		Example: `  # Re-run two specific architectures
  stackprobe reset web-tier data-tier

  # Re-run everything
  stackprobe reset

  # Forget the run entirely
  stackprobe reset --clear`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := statePath
			if path == "" {
				cfg, err := loadRunConfig()
				if err != nil {
					return err
				}
				path = cfg.StateFile
			}

			stateFile := stores.NewStateFile(path, log.Logger)
			machine, err := processor.NewProcessingMachine(stateFile, log.Logger)
			if err != nil {
				return err
			}

			if clear {
				if len(args) > 0 {
					return fmt.Errorf("--clear resets everything, architecture IDs make no sense with it")
				}
				if err := machine.Clear(); err != nil {
					return err
				}
				fmt.Printf("cleared run state at %s\n", path)
				return nil
			}

			if len(args) == 0 {
				if err := machine.ResetAll(); err != nil {
					return err
				}
				fmt.Printf("reset all items at %s\n", path)
				return nil
			}

			for _, archID := range args {
				if err := machine.Reset(archID); err != nil {
					return err
				}
				fmt.Printf("reset %s\n", archID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "state file path (overrides config)")
	cmd.Flags().BoolVar(&clear, "clear", false, "drop all items instead of resetting them")

	return cmd
}
