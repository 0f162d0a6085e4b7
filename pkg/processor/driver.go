package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// pickupOrder is the stage priority for the sequential loop: finish items
// already mid-pipeline before starting fresh ones.
var pickupOrder = []ArchState{StateGenerating, StateGenerated, StateMined}

// ProbeChecker statically validates a generated probe before it is accepted.
type ProbeChecker interface {
	Check(ctx context.Context, arch Architecture, probe *ProbeApp) error
}

// DriverOptions configures optional collaborators of the driver.
type DriverOptions struct {
	// Cache resolves previously generated probes by content hash.
	Cache ProbeCache

	// Budget gates generation calls. Nil means unlimited.
	Budget Budget

	// Checker rejects probes that fail static validation. Nil disables
	// the check.
	Checker ProbeChecker

	// SkipGeneration reuses cached probes instead of generating; items
	// without a cached probe are skipped.
	SkipGeneration bool

	Logger zerolog.Logger
}

// SequentialDriver advances one item at a time through the pipeline.
// Stage failures are absorbed into the machine's retry and error handling;
// only persistence failures abort the loop.
type SequentialDriver struct {
	machine   *ProcessingMachine
	generator Generator
	validator Validator
	cache     ProbeCache
	budget    Budget
	checker   ProbeChecker
	skipGen   bool
	logger    zerolog.Logger
}

// NewSequentialDriver creates a driver over the given machine.
func NewSequentialDriver(machine *ProcessingMachine, generator Generator, validator Validator, opts DriverOptions) *SequentialDriver {
	return &SequentialDriver{
		machine:   machine,
		generator: generator,
		validator: validator,
		cache:     opts.Cache,
		budget:    opts.Budget,
		checker:   opts.Checker,
		skipGen:   opts.SkipGeneration,
		logger:    opts.Logger.With().Str("component", "driver").Logger(),
	}
}

// Run processes items until every registered item is terminal or the
// context is cancelled. When nothing is runnable it sleeps exactly until
// the earliest rate-limit retry time instead of polling.
func (d *SequentialDriver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Promote items whose retry time has passed.
		for _, id := range d.machine.ReadyToRetry() {
			if err := d.machine.Transition(id, StateGenerating); err != nil {
				return err
			}
			d.logger.Info().Str("arch_id", id).Msg("Retry due, resuming generation")
		}

		archID, ok := d.nextItem()
		if !ok {
			if d.machine.AllComplete() {
				return nil
			}

			retryAt, waiting := d.machine.NextRetryTime()
			if !waiting {
				d.logger.Warn().Msg("No runnable items and none waiting for retry")
				return nil
			}

			if err := d.sleepUntil(ctx, retryAt); err != nil {
				return err
			}
			continue
		}

		if err := d.processItem(ctx, archID); err != nil {
			return err
		}
	}
}

// nextItem picks the highest-priority runnable item.
func (d *SequentialDriver) nextItem() (string, bool) {
	for _, state := range pickupOrder {
		if ids := d.machine.ItemsInState(state); len(ids) > 0 {
			return ids[0], true
		}
	}
	return "", false
}

// sleepUntil blocks until the deadline or context cancellation.
func (d *SequentialDriver) sleepUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}

	d.logger.Debug().Dur("wait", wait).Msg("Sleeping until next retry")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processItem dispatches one item to its stage handler. Panics from a
// handler are contained as unrecoverable item errors rather than taking
// down the run.
func (d *SequentialDriver) processItem(ctx context.Context, archID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("arch_id", archID).
				Interface("panic", r).
				Msg("Stage handler panicked")
			err = d.machine.HandleError(archID, "panic", fmt.Sprintf("stage handler panicked: %v", r), false)
		}
	}()

	item, ok := d.machine.Get(archID)
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}

	switch item.Current {
	case StateMined:
		return d.handleMined(ctx, item)
	case StateGenerating:
		return d.handleGenerating(ctx, item)
	case StateGenerated:
		return d.handleGenerated(ctx, item)
	default:
		return fmt.Errorf("item %s in unexpected state %s", archID, item.Current)
	}
}

// handleMined starts generation, or fast-forwards from the probe cache when
// generation is disabled.
func (d *SequentialDriver) handleMined(ctx context.Context, item *ItemState) error {
	archID := item.Arch.ID

	if d.skipGen {
		if d.cache != nil && item.Arch.ContentHash != "" {
			if probe, hit := d.cache.Get(item.Arch.ContentHash); hit {
				probe.Source = "cache"
				if err := d.machine.Transition(archID, StateGenerating); err != nil {
					return err
				}
				if err := d.machine.SetGenerationResult(archID, probe); err != nil {
					return err
				}
				d.logger.Info().Str("arch_id", archID).Msg("Reusing cached probe")
				return d.machine.Transition(archID, StateGenerated)
			}
		}

		d.logger.Info().Str("arch_id", archID).Msg("Generation disabled and no cached probe, skipping")
		return d.machine.Transition(archID, StateSkipped)
	}

	return d.machine.Transition(archID, StateGenerating)
}

// handleGenerating calls the generator and routes the outcome through the
// machine by error class.
func (d *SequentialDriver) handleGenerating(ctx context.Context, item *ItemState) error {
	archID := item.Arch.ID

	// A resumed run may already carry a probe from before the interrupt.
	if item.GenerationResult != nil {
		return d.machine.Transition(archID, StateGenerated)
	}

	if d.budget != nil && !d.budget.Allow() {
		return d.machine.HandleError(archID, string(ErrorClassPermanent),
			"generation budget exhausted", false)
	}

	probe, err := d.generator.Generate(ctx, item.Arch)
	if err != nil {
		switch {
		case IsRateLimited(err):
			wait, _ := RetryAfterOf(err)
			return d.machine.HandleRateLimit(archID, wait)
		case IsTransient(err) || IsTimeout(err):
			return d.machine.HandleError(archID, errorKind(err), err.Error(), true)
		default:
			return d.machine.HandleError(archID, errorKind(err), err.Error(), false)
		}
	}

	if d.checker != nil {
		if err := d.checker.Check(ctx, item.Arch, probe); err != nil {
			return d.machine.HandleError(archID, "static_validation", err.Error(), false)
		}
	}

	if err := d.machine.SetGenerationResult(archID, probe); err != nil {
		return err
	}

	if d.cache != nil && item.Arch.ContentHash != "" {
		if err := d.cache.Put(item.Arch.ContentHash, probe); err != nil {
			d.logger.Warn().Err(err).Str("arch_id", archID).Msg("Failed to cache probe")
		}
	}

	return d.machine.Transition(archID, StateGenerated)
}

// handleGenerated runs the deploy/test stage through the validator and
// lands the item in its terminal state.
func (d *SequentialDriver) handleGenerated(ctx context.Context, item *ItemState) error {
	archID := item.Arch.ID

	if err := d.machine.Transition(archID, StateValidating); err != nil {
		return err
	}

	result, err := d.validator.ValidateOne(ctx, item.Arch, item.GenerationResult)
	if err != nil {
		return d.machine.HandleError(archID, errorKind(err), err.Error(), false)
	}

	if err := d.machine.SetValidationResult(archID, result); err != nil {
		return err
	}
	if err := d.machine.Transition(archID, StateValidated); err != nil {
		return err
	}

	terminal := result.Status.TerminalState()
	d.logger.Info().
		Str("arch_id", archID).
		Str("status", string(result.Status)).
		Msg("Validation finished")

	return d.machine.Transition(archID, terminal)
}

// errorKind extracts the class label from a classified error, or falls back
// to a generic kind.
func errorKind(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return string(pe.Class)
	}
	return "unclassified"
}
