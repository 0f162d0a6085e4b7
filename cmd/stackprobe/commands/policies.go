package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackprobe/stackprobe/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the probe validation policies",
		Long: `List the policies that generated probes are checked against: the
built-in set plus any user policies from the configured paths.`,
		Example: `  # List built-ins and the configured user policies
  stackprobe policies

  # List with an explicit policy directory
  stackprobe policies --path ./policies

  # Machine-readable output
  stackprobe policies --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(paths) == 0 {
				// Best effort; the command works without a config file.
				if cfg, err := loadRunConfig(); err == nil {
					paths = cfg.Policy.Paths
				}
			}

			engine, err := policy.NewEngine(zerolog.Nop())
			if err != nil {
				return err
			}
			if len(paths) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), paths); err != nil {
					return err
				}
			}

			policies := engine.ListPolicies()

			if jsonOutput {
				out, err := json.MarshalIndent(policies, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			w := os.Stdout
			fmt.Fprintf(w, "%-24s %-10s %-8s %s\n", "NAME", "SEVERITY", "ENABLED", "DESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%-24s %-10s %-8v %s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&paths, "path", nil, "policy file or directory (repeatable)")

	return cmd
}
