package commands

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/intake"
	"github.com/stackprobe/stackprobe/pkg/processor"
	"github.com/stackprobe/stackprobe/pkg/stores"
)

// archiveRun writes the outcome of a run to the SQLite archive: one result
// row per terminal item, the aggregate counters, and the final run status.
// Items that ended without a validation result (ERROR, SKIPPED) still get a
// row so the archive holds one entry per registered item. Archive failures
// are logged, never fatal; the state file remains the source of truth.
func archiveRun(ctx context.Context, store *stores.SQLiteStore, machine *processor.ProcessingMachine, items []intake.Item, runID string, status stores.RunStatus, runErr error, logger zerolog.Logger) {
	for _, item := range items {
		st, ok := machine.Get(item.Arch.ID)
		if !ok || !st.Current.IsTerminal() {
			continue
		}

		rec := resultRecord(runID, st)
		if err := store.InsertResult(ctx, rec); err != nil {
			logger.Warn().Err(err).Str("arch_id", item.Arch.ID).Msg("Failed to archive result")
			continue
		}

		level := stores.EventLevelInfo
		if st.Current == processor.StateError || st.Current == processor.StateFailed {
			level = stores.EventLevelError
		}
		event := &stores.Event{
			RunID:   &runID,
			ArchID:  &rec.ArchID,
			Level:   level,
			Message: "validation finished: " + rec.Status,
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			logger.Warn().Err(err).Str("arch_id", item.Arch.ID).Msg("Failed to archive event")
		}
	}

	stats := machine.Stats()
	if err := store.UpdateRunCounters(ctx, runID, stats.Total, stats.Passed, stats.Partial, stats.Failed, stats.Errors, stats.Skipped); err != nil {
		logger.Warn().Err(err).Msg("Failed to archive run counters")
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := store.UpdateRunStatus(ctx, runID, status, errMsg); err != nil {
		logger.Warn().Err(err).Msg("Failed to archive run status")
	}
}

// resultRecord flattens one terminal item into an archive row.
func resultRecord(runID string, st *processor.ItemState) *stores.ResultRecord {
	rec := &stores.ResultRecord{
		RunID:    runID,
		ArchID:   st.Arch.ID,
		ArchName: st.Arch.Name,
		Status:   string(st.Current),
	}

	result := st.ValidationResult
	if result == nil {
		// ERROR and SKIPPED items never reached validation.
		if st.Context.ErrorMessage != "" {
			msg := st.Context.ErrorMessage
			rec.Error = &msg
		}
		return rec
	}

	rec.Status = string(result.Status)
	rec.StartedAt = result.StartedAt
	rec.DurationMS = result.Duration.Milliseconds()
	if result.Deploy != nil {
		rec.DeployOK = result.Deploy.ApplyOK
	}
	if result.Tests != nil {
		rec.TestsPassed = result.Tests.Passed
		rec.TestsFailed = result.Tests.Failed
		rec.TestsSkipped = result.Tests.Skipped
		rec.TestsErrored = result.Tests.Errors
	}
	if result.Error != "" {
		msg := result.Error
		rec.Error = &msg
	}
	if logs, err := json.Marshal(result.Logs); err == nil {
		s := string(logs)
		rec.Logs = &s
	}

	return rec
}
