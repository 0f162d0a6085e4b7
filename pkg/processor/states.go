package processor

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArchState represents the lifecycle state of an architecture work item.
type ArchState string

const (
	// StatePending indicates the item is registered but not yet picked up.
	StatePending ArchState = "PENDING"

	// StateMining indicates the architecture definition is being extracted.
	StateMining ArchState = "MINING"

	// StateMined indicates the architecture definition is available.
	StateMined ArchState = "MINED"

	// StateGenerating indicates a probe app is being generated.
	StateGenerating ArchState = "GENERATING"

	// StateGenerated indicates a probe app exists and passed static checks.
	StateGenerated ArchState = "GENERATED"

	// StateRateLimited indicates generation was throttled and the item is
	// parked until its retry time.
	StateRateLimited ArchState = "RATE_LIMITED"

	// StateValidating indicates the probe app is being deployed and tested.
	StateValidating ArchState = "VALIDATING"

	// StateValidated indicates deploy/test finished and produced a result.
	StateValidated ArchState = "VALIDATED"

	// StatePassed is the terminal state for a fully successful validation.
	StatePassed ArchState = "PASSED"

	// StatePartial is the terminal state for a mixed test outcome.
	StatePartial ArchState = "PARTIAL"

	// StateFailed is the terminal state for a failed validation.
	StateFailed ArchState = "FAILED"

	// StateError is the terminal state for unrecoverable processing errors.
	StateError ArchState = "ERROR"

	// StateSkipped is the terminal state for items excluded from processing.
	StateSkipped ArchState = "SKIPPED"
)

// Transitions is the single source of truth for legal state moves.
// Any transition not listed here is rejected with a TransitionError.
var Transitions = map[ArchState][]ArchState{
	StatePending:     {StateMining, StateSkipped},
	StateMining:      {StateMined, StateError},
	StateMined:       {StateGenerating, StateSkipped},
	StateGenerating:  {StateGenerated, StateRateLimited, StateError},
	StateRateLimited: {StateGenerating},
	StateGenerated:   {StateValidating, StateError},
	StateValidating:  {StateValidated, StateError},
	StateValidated:   {StatePassed, StatePartial, StateFailed},
	StatePassed:      {},
	StatePartial:     {},
	StateFailed:      {},
	StateError:       {},
	StateSkipped:     {},
}

// IsTerminal returns true if the state represents a final outcome.
func (s ArchState) IsTerminal() bool {
	return s == StatePassed || s == StatePartial || s == StateFailed ||
		s == StateError || s == StateSkipped
}

// CanTransitionTo returns true if moving to the target state is legal.
func (s ArchState) CanTransitionTo(target ArchState) bool {
	for _, allowed := range Transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Validate checks if the state is a known lifecycle state.
func (s ArchState) Validate() error {
	if _, ok := Transitions[s]; !ok {
		return fmt.Errorf("invalid architecture state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ArchState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ArchState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ArchState(str)
	return s.Validate()
}

// TransitionError reports an attempted illegal state move.
type TransitionError struct {
	ArchID string
	From   ArchState
	To     ArchState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s (arch=%s)", e.From, e.To, e.ArchID)
}

// StateContext carries the mutable bookkeeping attached to the current state.
type StateContext struct {
	// EnteredAt is when the current state was entered.
	EnteredAt time.Time `json:"entered_at"`

	// RetryAfter is the earliest time a rate-limited item may be retried.
	// It is set on entry to RATE_LIMITED and cleared on every transition
	// out of it.
	RetryAfter *time.Time `json:"retry_after,omitempty"`

	// RetryCount is the number of retry attempts consumed so far.
	RetryCount int `json:"retry_count"`

	// ErrorKind classifies the last recorded error, if any.
	ErrorKind string `json:"error_kind,omitempty"`

	// ErrorMessage is the last recorded error message, if any.
	ErrorMessage string `json:"error_message,omitempty"`
}

// HistoryEntry records one visited state with its entry timestamp.
type HistoryEntry struct {
	State     ArchState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ItemState is the full per-architecture record tracked by the machine.
type ItemState struct {
	// Arch is the architecture this item validates.
	Arch Architecture `json:"arch"`

	// Current is the item's current lifecycle state.
	Current ArchState `json:"current"`

	// Context holds retry and error bookkeeping for the current state.
	Context StateContext `json:"context"`

	// History is the append-only list of visited states.
	History []HistoryEntry `json:"history"`

	// GenerationResult caches the generated probe app once generation
	// succeeds. Written at most once.
	GenerationResult *ProbeApp `json:"generation_result,omitempty"`

	// ValidationResult caches the deploy/test result once validation
	// completes. Written at most once.
	ValidationResult *Result `json:"validation_result,omitempty"`
}

// ReadyToRetry returns true if the item is rate-limited and its retry time
// has passed. A rate-limited item with no retry time is ready immediately.
func (i *ItemState) ReadyToRetry(now time.Time) bool {
	if i.Current != StateRateLimited {
		return false
	}
	if i.Context.RetryAfter == nil {
		return true
	}
	return !now.Before(*i.Context.RetryAfter)
}

// TimeUntilRetry returns how long until the item may be retried.
// Returns zero when the item is not waiting or is already due.
func (i *ItemState) TimeUntilRetry(now time.Time) time.Duration {
	if i.Current != StateRateLimited || i.Context.RetryAfter == nil {
		return 0
	}
	d := i.Context.RetryAfter.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
