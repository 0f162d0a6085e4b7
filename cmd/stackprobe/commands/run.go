package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackprobe/stackprobe/pkg/backend"
	"github.com/stackprobe/stackprobe/pkg/config"
	"github.com/stackprobe/stackprobe/pkg/executor"
	"github.com/stackprobe/stackprobe/pkg/generator"
	"github.com/stackprobe/stackprobe/pkg/intake"
	"github.com/stackprobe/stackprobe/pkg/orchestrator"
	"github.com/stackprobe/stackprobe/pkg/policy"
	"github.com/stackprobe/stackprobe/pkg/processor"
	"github.com/stackprobe/stackprobe/pkg/stores"
	"github.com/stackprobe/stackprobe/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		manifest       string
		parallelism    int
		skipGeneration bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the validation pipeline",
		Long: `Run the full validation pipeline over the configured manifest.

Each architecture is driven through generation, policy checks, and
deploy/test validation against an ephemeral emulated backend. State is
persisted after every transition, so an interrupted run resumes where it
left off. Completed items are archived to the configured SQLite database.`,
		Example: `  # Run with the default config file
  stackprobe run

  # Run a specific manifest with more parallelism
  stackprobe run --manifest ./architectures --parallelism 4

  # Reuse cached probes instead of calling the generation service
  stackprobe run --skip-generation

  # Expose Prometheus metrics while running
  stackprobe run --metrics-listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig()
			if err != nil {
				return err
			}

			if manifest != "" {
				cfg.Manifest = manifest
			}
			if parallelism > 0 {
				cfg.Execution.Parallelism = parallelism
			}
			if skipGeneration {
				cfg.Generation.Skip = true
			}

			return executeRun(cmd.Context(), cfg, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "architecture manifest file or directory (overrides config)")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "concurrent validation tasks (overrides config)")
	cmd.Flags().BoolVar(&skipGeneration, "skip-generation", false, "reuse cached probes, skip items without one")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "serve Prometheus metrics on this address")

	return cmd
}

// executeRun wires the pipeline together and drives it to completion.
func executeRun(ctx context.Context, cfg *config.RunConfig, metricsAddr string) error {
	telCfg := telemetry.DefaultConfig()
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		telCfg.Metrics.Enabled = true
		telCfg.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	logger := tel.Logger.Zerolog()

	if telCfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start metrics server")
		}
	}

	// Result archive. Optional; the probe cache rides on it.
	var store *stores.SQLiteStore
	var probeCache processor.ProbeCache
	if cfg.Archive.Path != "" {
		store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.Archive.Path})
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate archive: %w", err)
		}
		defer store.Close()
		probeCache = stores.NewProbeCache(store, logger)
	}

	stateFile := stores.NewStateFile(cfg.StateFile, logger)
	machine, err := processor.NewProcessingMachine(stateFile, logger)
	if err != nil {
		return err
	}

	loader := intake.NewLoader(logger)
	items, err := loader.Load(cfg.Manifest)
	if err != nil {
		return err
	}

	if cfg.Selector != "" {
		items, err = selectItems(ctx, cfg.Selector, items)
		if err != nil {
			return fmt.Errorf("selector failed: %w", err)
		}
	}
	if len(items) == 0 {
		return fmt.Errorf("no architectures selected")
	}

	registered, err := loader.RegisterAll(machine, items, probeCache)
	if err != nil {
		return err
	}

	budget := generator.NewTokenBudget(cfg.Generation.TokenBudget)
	genClient, err := generator.NewClient(generator.Config{
		BaseURL: cfg.Generation.ServiceURL,
		APIKey:  cfg.Generation.APIKey,
		Timeout: time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
	}, budget, tel.Metrics, logger)
	if err != nil {
		return err
	}

	var checker processor.ProbeChecker
	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(logger)
		if err != nil {
			return fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
			if cfg.Policy.Watch {
				watcher := policy.NewLoader(logger)
				err := watcher.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
					return engine.ReplaceUserPolicies(ctx, policies)
				})
				if err != nil {
					return fmt.Errorf("failed to watch policy paths: %w", err)
				}
				defer watcher.StopWatching()
			}
		}
		checker = engine
	}

	backendCfg := backend.DefaultConfig()
	if cfg.Backend.Image != "" {
		backendCfg.Image = cfg.Backend.Image
	}
	if cfg.Backend.StartTimeoutSeconds > 0 {
		backendCfg.HealthTimeout = time.Duration(cfg.Backend.StartTimeoutSeconds) * time.Second
	}
	if cfg.Backend.Memory != "" {
		backendCfg.Memory = cfg.Backend.Memory
	}
	if cfg.Backend.CPUs != "" {
		backendCfg.CPUs = cfg.Backend.CPUs
	}
	if cfg.Backend.PidsLimit > 0 {
		backendCfg.PidsLimit = cfg.Backend.PidsLimit
	}
	backends := backend.NewManager(backendCfg, nil, logger)

	exec := executor.NewDeployTestExecutor(executor.DefaultConfig(), nil, logger)

	orch := orchestrator.New(orchestrator.Config{
		Parallelism: cfg.Execution.Parallelism,
		TaskTimeout: time.Duration(cfg.Execution.TaskTimeoutSeconds) * time.Second,
		WorkDir:     cfg.Execution.WorkDir,
	}, backends, exec, tel.Metrics, logger)

	driver := processor.NewSequentialDriver(machine, genClient, orch, processor.DriverOptions{
		Cache:          probeCache,
		Budget:         budget,
		Checker:        checker,
		SkipGeneration: cfg.Generation.Skip,
		Logger:         logger,
	})

	runID := "run-" + time.Now().Format("20060102-150405")
	started := time.Now()

	logger.Info().
		Str("run_id", runID).
		Int("total", len(items)).
		Int("registered", registered).
		Str("manifest", cfg.Manifest).
		Msg("Validation run started")

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishRunStarted(runID, len(items))
	if store != nil {
		err := store.CreateRun(ctx, &stores.Run{
			ID:           runID,
			ManifestPath: cfg.Manifest,
			Status:       stores.RunStatusRunning,
			StartedAt:    started,
		})
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
	}

	runErr := driver.Run(ctx)

	stats := machine.Stats()
	status := stores.RunStatusCompleted
	if runErr != nil {
		status = stores.RunStatusFailed
		if errors.Is(runErr, context.Canceled) {
			status = stores.RunStatusCancelled
		}
	}

	if store != nil {
		archiveRun(context.WithoutCancel(ctx), store, machine, items, runID, status, runErr, logger)
	}
	tel.Metrics.RecordRunCompleted(string(status), time.Since(started))
	if runErr != nil {
		_ = tel.Events.PublishRunFailed(runID, runErr.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, stats.Passed, stats.Failed, time.Since(started))
	}

	logger.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Dur("duration", time.Since(started)).
		Msg("Validation run finished")

	printRunSummary(runID, status, stats)
	return runErr
}

// selectItems filters intake items through a Starlark selector script.
func selectItems(ctx context.Context, script string, items []intake.Item) ([]intake.Item, error) {
	archs := make([]processor.Architecture, len(items))
	for i, item := range items {
		archs[i] = item.Arch
	}

	evaluator := config.NewStarlarkEvaluator(30 * time.Second)
	ids, err := evaluator.SelectArchitectures(ctx, script, archs)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	selected := make([]intake.Item, 0, len(ids))
	for _, item := range items {
		if wanted[item.Arch.ID] {
			selected = append(selected, item)
		}
	}
	return selected, nil
}

func printRunSummary(runID string, status stores.RunStatus, stats processor.RunStats) {
	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]interface{}{
			"run_id": runID,
			"status": status,
			"stats":  stats,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Run %s: %s\n", runID, status)
	fmt.Printf("  total:     %d\n", stats.Total)
	fmt.Printf("  passed:    %d\n", stats.Passed)
	fmt.Printf("  partial:   %d\n", stats.Partial)
	fmt.Printf("  failed:    %d\n", stats.Failed)
	fmt.Printf("  errors:    %d\n", stats.Errors)
	fmt.Printf("  skipped:   %d\n", stats.Skipped)
	fmt.Printf("  pass rate: %.1f%%\n", stats.PassRate()*100)

	if stats.RateLimitEvents > 0 {
		fmt.Printf("  rate limited %d time(s)\n", stats.RateLimitEvents)
	}

	if status != stores.RunStatusCompleted {
		fmt.Fprintln(os.Stderr, "run did not complete cleanly; rerun to resume")
	}
}
