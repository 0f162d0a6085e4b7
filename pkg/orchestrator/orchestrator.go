// Package orchestrator runs validation tasks with bounded parallelism. Each
// task gets its own backend container and working directory; a counting
// semaphore caps how many run at once so container resource usage stays
// predictable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/backend"
	"github.com/stackprobe/stackprobe/pkg/processor"
	"github.com/stackprobe/stackprobe/pkg/telemetry"
)

// Config holds orchestrator settings.
type Config struct {
	// Parallelism is the maximum number of tasks validated at once.
	Parallelism int

	// TaskTimeout is the overall deadline for one task, covering backend
	// startup, deploy, tests, and teardown.
	TaskTimeout time.Duration

	// WorkDir is the base directory for per-task working directories.
	// Empty means the system temp directory.
	WorkDir string
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Parallelism: 2,
		TaskTimeout: 15 * time.Minute,
	}
}

// BackendManager is the container lifecycle surface the orchestrator needs.
type BackendManager interface {
	Start(ctx context.Context) (*backend.Instance, error)
	Stop(ctx context.Context, instanceID string)
	Logs(ctx context.Context, instanceID string) string
	CleanupAll(ctx context.Context)
}

// TaskExecutor runs the deploy/test stage against a live backend.
type TaskExecutor interface {
	Execute(ctx context.Context, workDir string, probe *processor.ProbeApp, endpoint string) (*processor.Result, error)
}

// Task pairs an architecture with its probe for batch validation.
type Task struct {
	Arch  processor.Architecture
	Probe *processor.ProbeApp
}

// BoundedOrchestrator validates probes against ephemeral backend containers,
// never running more than Parallelism tasks concurrently. It owns the full
// container lifecycle for every task it runs.
type BoundedOrchestrator struct {
	cfg      Config
	backends BackendManager
	executor TaskExecutor
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	sem chan struct{}

	mu      sync.Mutex
	results map[string]*processor.Result
}

var _ processor.Validator = (*BoundedOrchestrator)(nil)

// New creates a bounded orchestrator.
func New(cfg Config, backends BackendManager, executor TaskExecutor, metrics *telemetry.Metrics, logger zerolog.Logger) *BoundedOrchestrator {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &BoundedOrchestrator{
		cfg:      cfg,
		backends: backends,
		executor: executor,
		metrics:  metrics,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		sem:      make(chan struct{}, cfg.Parallelism),
		results:  make(map[string]*processor.Result),
	}
}

// ValidateOne runs the full validation task for a single probe: acquire a
// slot, start a backend, deploy and test, and tear everything down again.
// Infrastructure failures are folded into the returned result rather than an
// error; the error return is reserved for the orchestrator itself being
// unable to run.
func (o *BoundedOrchestrator) ValidateOne(ctx context.Context, arch processor.Architecture, probe *processor.ProbeApp) (*processor.Result, error) {
	// Check up front so an already-cancelled context never races the
	// semaphore into starting a task.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sem }()

	result := o.runTask(ctx, arch, probe)

	o.mu.Lock()
	o.results[arch.ID] = result
	o.mu.Unlock()

	o.metrics.RecordTask(string(result.Status), result.Duration)

	return result, nil
}

// runTask executes one task inside an acquired slot.
func (o *BoundedOrchestrator) runTask(ctx context.Context, arch processor.Architecture, probe *processor.ProbeApp) *processor.Result {
	started := time.Now()
	logger := o.logger.With().Str("arch_id", arch.ID).Logger()

	tctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	inst, err := o.backends.Start(tctx)
	if err != nil {
		// A health timeout still hands back the instance; it must be
		// removed either way.
		if inst != nil {
			o.backends.Stop(context.WithoutCancel(ctx), inst.ID)
		}
		o.metrics.RecordBackendStart("failed")
		logger.Error().Err(err).Msg("Backend start failed")
		return o.failedResult(arch, started, fmt.Sprintf("backend start failed: %v", err))
	}
	o.metrics.RecordBackendStart("started")
	defer func() {
		// Teardown runs even when the task deadline already fired.
		o.backends.Stop(context.WithoutCancel(ctx), inst.ID)
		o.metrics.RecordBackendStop()
	}()

	workDir, err := os.MkdirTemp(o.cfg.WorkDir, "probe-"+arch.ID+"-")
	if err != nil {
		return o.failedResult(arch, started, fmt.Sprintf("workdir creation failed: %v", err))
	}
	defer os.RemoveAll(workDir)

	logger.Info().
		Str("instance_id", inst.ID).
		Str("endpoint", inst.Endpoint).
		Msg("Validation task started")

	result, err := o.executor.Execute(tctx, workDir, probe, inst.Endpoint)
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			logger.Warn().Dur("timeout", o.cfg.TaskTimeout).Msg("Validation task timed out")
			result = o.timeoutResult(arch, started)
		} else {
			logger.Error().Err(err).Msg("Validation task failed to execute")
			result = o.failedResult(arch, started, err.Error())
		}
	}

	result.ArchName = arch.Name
	if result.Status != processor.ResultPassed {
		// Backend logs are only worth carrying when something went wrong.
		result.Logs.BackendLog = o.backends.Logs(context.WithoutCancel(ctx), inst.ID)
	}

	logger.Info().
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("Validation task finished")

	return result
}

func (o *BoundedOrchestrator) failedResult(arch processor.Architecture, started time.Time, msg string) *processor.Result {
	return &processor.Result{
		ArchID:    arch.ID,
		ArchName:  arch.Name,
		Status:    processor.ResultFailed,
		Error:     msg,
		StartedAt: started,
		Duration:  time.Since(started),
	}
}

func (o *BoundedOrchestrator) timeoutResult(arch processor.Architecture, started time.Time) *processor.Result {
	return &processor.Result{
		ArchID:    arch.ID,
		ArchName:  arch.Name,
		Status:    processor.ResultTimeout,
		Error:     fmt.Sprintf("task exceeded %s deadline", o.cfg.TaskTimeout),
		StartedAt: started,
		Duration:  time.Since(started),
	}
}

// ValidateAll validates a batch of tasks concurrently, bounded by the
// configured parallelism, and sweeps any leftover containers afterwards.
// Results come back ordered by architecture ID.
func (o *BoundedOrchestrator) ValidateAll(ctx context.Context, tasks []Task) []*processor.Result {
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			if _, err := o.ValidateOne(ctx, t.Arch, t.Probe); err != nil {
				o.logger.Warn().
					Str("arch_id", t.Arch.ID).
					Err(err).
					Msg("Task abandoned")

				// ValidateOne only errors before the task ran, so record a
				// result here to keep one result per task.
				result := o.failedResult(t.Arch, time.Now(), fmt.Sprintf("task abandoned: %v", err))
				o.mu.Lock()
				o.results[t.Arch.ID] = result
				o.mu.Unlock()
			}
		}(task)
	}
	wg.Wait()

	o.backends.CleanupAll(context.WithoutCancel(ctx))

	return o.Results()
}

// Results returns all recorded results ordered by architecture ID.
func (o *BoundedOrchestrator) Results() []*processor.Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*processor.Result, 0, len(o.results))
	for _, r := range o.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchID < out[j].ArchID })
	return out
}

// Result returns the recorded result for one architecture, if any.
func (o *BoundedOrchestrator) Result(archID string) (*processor.Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.results[archID]
	return r, ok
}
