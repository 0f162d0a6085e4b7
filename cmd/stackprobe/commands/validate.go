package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackprobe/stackprobe/pkg/config"
	"github.com/stackprobe/stackprobe/pkg/intake"
	"github.com/stackprobe/stackprobe/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var checkPolicies bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the run configuration and manifest",
		Long: `Validate the run configuration and the architecture manifest without
running the pipeline.

This command checks:
  - CUE syntax and schema conformance of the config file
  - Manifest structure, duplicate IDs, and probe file references
  - Optionally, pre-supplied probes against the loaded policies`,
		Example: `  # Validate the default config and its manifest
  stackprobe validate

  # Validate a specific config
  stackprobe validate -c staging.cue

  # Also run policy checks on pre-supplied probes
  stackprobe validate --policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parser := config.NewParser()
			result, err := parser.Load(configPath)
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				for _, ve := range result.Errors {
					printValidationError(ve)
				}
				return fmt.Errorf("%d configuration error(s)", len(result.Errors))
			}
			cfg := result.Config
			fmt.Printf("config %s: OK\n", configPath)

			loader := intake.NewLoader(log.Logger)
			items, err := loader.Load(cfg.Manifest)
			if err != nil {
				return fmt.Errorf("manifest invalid: %w", err)
			}
			preSupplied := 0
			for _, item := range items {
				if item.Probe != nil {
					preSupplied++
				}
			}
			fmt.Printf("manifest %s: %d architecture(s), %d with pre-supplied probes\n",
				cfg.Manifest, len(items), preSupplied)

			if !checkPolicies || !cfg.Policy.Enabled {
				return nil
			}
			return validateProbes(cmd, cfg, items)
		},
	}

	cmd.Flags().BoolVar(&checkPolicies, "policies", false, "check pre-supplied probes against policies")

	return cmd
}

// validateProbes evaluates every pre-supplied probe against the policy set
// and reports violations without rejecting anything.
func validateProbes(cmd *cobra.Command, cfg *config.RunConfig, items []intake.Item) error {
	engine, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		return err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
			return err
		}
	}

	blocked := 0
	for _, item := range items {
		if item.Probe == nil {
			continue
		}
		check, err := engine.Evaluate(cmd.Context(), item.Arch, item.Probe)
		if err != nil {
			return err
		}
		for _, v := range check.Warnings {
			fmt.Printf("  %s: warning [%s] %s\n", item.Arch.ID, v.Policy, v.Message)
		}
		for _, v := range check.Violations {
			fmt.Printf("  %s: %s [%s] %s\n", item.Arch.ID, v.Severity, v.Policy, v.Message)
		}
		if !check.Allowed {
			blocked++
		}
	}

	if blocked > 0 {
		return fmt.Errorf("%d probe(s) rejected by policy", blocked)
	}
	fmt.Println("policies: OK")
	return nil
}

func printValidationError(ve config.ValidationError) {
	switch {
	case ve.File != "" && ve.Line > 0:
		fmt.Fprintf(os.Stderr, "%s:%d: %s\n", ve.File, ve.Line, ve.Message)
	case ve.Path != "":
		fmt.Fprintf(os.Stderr, "%s: %s\n", ve.Path, ve.Message)
	default:
		fmt.Fprintln(os.Stderr, ve.Message)
	}
}
