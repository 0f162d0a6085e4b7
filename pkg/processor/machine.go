package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MaxRetries is the number of recoverable failures an item may absorb
	// before it is parked in ERROR.
	MaxRetries = 3

	// DefaultRetryDelay is the backoff applied when a throttling response
	// carries no explicit wait hint.
	DefaultRetryDelay = 60 * time.Second
)

// Snapshot is the persisted form of the machine: every item plus the run
// counters, stamped with the save time.
type Snapshot struct {
	SavedAt time.Time             `json:"saved_at"`
	Items   map[string]*ItemState `json:"items"`
	Stats   RunStats              `json:"stats"`
}

// StateStore persists machine snapshots. Load returns a nil snapshot when
// there is no usable prior state; implementations are expected to treat a
// missing or corrupt file as a fresh start, not an error.
type StateStore interface {
	Save(snapshot *Snapshot) error
	Load() (*Snapshot, error)
}

// ProcessingMachine tracks the lifecycle of every registered architecture.
// Every mutation is written through to the state store before it returns;
// a persistence failure is the one error class treated as fatal, so it
// propagates to the caller unwrapped by any recovery logic.
type ProcessingMachine struct {
	mu     sync.Mutex
	items  map[string]*ItemState
	stats  RunStats
	store  StateStore
	logger zerolog.Logger
}

// NewProcessingMachine creates a machine backed by the given store.
// Prior state is restored from the store when present. A nil store disables
// persistence.
func NewProcessingMachine(store StateStore, logger zerolog.Logger) (*ProcessingMachine, error) {
	m := &ProcessingMachine{
		items:  make(map[string]*ItemState),
		store:  store,
		logger: logger.With().Str("component", "processing-machine").Logger(),
	}

	if store != nil {
		snap, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load prior state: %w", err)
		}
		if snap != nil {
			m.items = snap.Items
			m.stats = snap.Stats
			if m.items == nil {
				m.items = make(map[string]*ItemState)
			}
			m.logger.Info().
				Int("items", len(m.items)).
				Time("saved_at", snap.SavedAt).
				Msg("Restored prior run state")
		}
	}

	return m, nil
}

// Register adds an architecture in PENDING. Registration is idempotent:
// a second call for the same ID is a no-op and returns false.
func (m *ProcessingMachine) Register(arch Architecture) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[arch.ID]; exists {
		return false, nil
	}

	now := time.Now()
	m.items[arch.ID] = &ItemState{
		Arch:    arch,
		Current: StatePending,
		Context: StateContext{EnteredAt: now},
		History: []HistoryEntry{{State: StatePending, Timestamp: now}},
	}
	m.stats.Total++
	if m.stats.StartedAt == nil {
		m.stats.StartedAt = &now
	}

	if err := m.persistLocked(); err != nil {
		return false, err
	}

	m.logger.Debug().Str("arch_id", arch.ID).Msg("Architecture registered")
	return true, nil
}

// Transition moves an item to the target state. Illegal moves always fail
// with a *TransitionError regardless of the item's other bookkeeping.
func (m *ProcessingMachine) Transition(archID string, to ArchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[archID]
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}

	if err := m.transitionLocked(item, to); err != nil {
		return err
	}

	return m.persistLocked()
}

// transitionLocked applies a single state move and its stats update.
// Caller holds the mutex.
func (m *ProcessingMachine) transitionLocked(item *ItemState, to ArchState) error {
	from := item.Current
	if !from.CanTransitionTo(to) {
		return &TransitionError{ArchID: item.Arch.ID, From: from, To: to}
	}

	now := time.Now()
	item.Current = to
	item.History = append(item.History, HistoryEntry{State: to, Timestamp: now})
	item.Context.EnteredAt = now
	if from == StateRateLimited {
		item.Context.RetryAfter = nil
	}

	m.updateStatsLocked(to)
	if to.IsTerminal() && m.allCompleteLocked() {
		m.stats.EndedAt = &now
	}

	m.logger.Debug().
		Str("arch_id", item.Arch.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("State transition")

	return nil
}

// HandleRateLimit parks an item in RATE_LIMITED until now plus the given
// wait. A non-positive wait falls back to DefaultRetryDelay.
func (m *ProcessingMachine) HandleRateLimit(archID string, retryAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[archID]
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}

	if retryAfter <= 0 {
		retryAfter = DefaultRetryDelay
	}

	if err := m.transitionLocked(item, StateRateLimited); err != nil {
		return err
	}

	retryAt := time.Now().Add(retryAfter)
	item.Context.RetryAfter = &retryAt
	item.Context.RetryCount++

	m.logger.Info().
		Str("arch_id", archID).
		Time("retry_at", retryAt).
		Int("retry_count", item.Context.RetryCount).
		Msg("Rate limited, parked for retry")

	return m.persistLocked()
}

// HandleError records a processing failure. Recoverable errors with retry
// budget left are parked for a default-delay retry; everything else lands
// in terminal ERROR.
func (m *ProcessingMachine) HandleError(archID, errorKind, message string, recoverable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[archID]
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}

	item.Context.ErrorKind = errorKind
	item.Context.ErrorMessage = message

	if recoverable && item.Context.RetryCount < MaxRetries {
		if err := m.transitionLocked(item, StateRateLimited); err != nil {
			return err
		}
		retryAt := time.Now().Add(DefaultRetryDelay)
		item.Context.RetryAfter = &retryAt
		item.Context.RetryCount++

		m.logger.Warn().
			Str("arch_id", archID).
			Str("error", message).
			Int("retry_count", item.Context.RetryCount).
			Msg("Recoverable error, scheduled retry")
	} else {
		if err := m.transitionLocked(item, StateError); err != nil {
			return err
		}

		m.logger.Error().
			Str("arch_id", archID).
			Str("error", message).
			Bool("recoverable", recoverable).
			Int("retry_count", item.Context.RetryCount).
			Msg("Unrecoverable error, item parked in ERROR")
	}

	return m.persistLocked()
}

// SetGenerationResult caches the generated probe on the item. The first
// write wins; later calls are ignored.
func (m *ProcessingMachine) SetGenerationResult(archID string, probe *ProbeApp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[archID]
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}
	if item.GenerationResult != nil {
		return nil
	}
	item.GenerationResult = probe

	return m.persistLocked()
}

// SetValidationResult caches the deploy/test result on the item. The first
// write wins; later calls are ignored.
func (m *ProcessingMachine) SetValidationResult(archID string, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[archID]
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}
	if item.ValidationResult != nil {
		return nil
	}
	item.ValidationResult = result

	return m.persistLocked()
}

// Get returns the item for an architecture ID.
func (m *ProcessingMachine) Get(archID string) (*ItemState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[archID]
	return item, ok
}

// ItemsInState returns the IDs of all items currently in the given state,
// sorted for deterministic iteration.
func (m *ProcessingMachine) ItemsInState(state ArchState) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0)
	for id, item := range m.items {
		if item.Current == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ReadyToRetry returns the IDs of rate-limited items whose retry time has
// passed.
func (m *ProcessingMachine) ReadyToRetry() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0)
	for id, item := range m.items {
		if item.ReadyToRetry(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NextRetryTime returns the earliest retry time among rate-limited items.
// The second return is false when nothing is waiting.
func (m *ProcessingMachine) NextRetryTime() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	found := false
	for _, item := range m.items {
		if item.Current != StateRateLimited || item.Context.RetryAfter == nil {
			continue
		}
		if !found || item.Context.RetryAfter.Before(earliest) {
			earliest = *item.Context.RetryAfter
			found = true
		}
	}
	return earliest, found
}

// AllComplete returns true when every registered item is terminal.
// An empty machine is not complete.
func (m *ProcessingMachine) AllComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allCompleteLocked()
}

func (m *ProcessingMachine) allCompleteLocked() bool {
	if len(m.items) == 0 {
		return false
	}
	for _, item := range m.items {
		if !item.Current.IsTerminal() {
			return false
		}
	}
	return true
}

// Stats returns a copy of the current run counters.
func (m *ProcessingMachine) Stats() RunStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ProgressSummary returns the number of items per state.
func (m *ProcessingMachine) ProgressSummary() map[ArchState]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := make(map[ArchState]int)
	for _, item := range m.items {
		summary[item.Current]++
	}
	return summary
}

// Reset returns one item to a fresh PENDING and recomputes the counters.
func (m *ProcessingMachine) Reset(archID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[archID]
	if !ok {
		return fmt.Errorf("unknown architecture: %s", archID)
	}

	m.resetItemLocked(item)
	m.recomputeStatsLocked()

	return m.persistLocked()
}

// ResetAll returns every item to a fresh PENDING.
func (m *ProcessingMachine) ResetAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		m.resetItemLocked(item)
	}
	m.recomputeStatsLocked()

	return m.persistLocked()
}

// Clear drops all items and counters.
func (m *ProcessingMachine) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*ItemState)
	m.stats = RunStats{}

	return m.persistLocked()
}

func (m *ProcessingMachine) resetItemLocked(item *ItemState) {
	now := time.Now()
	item.Current = StatePending
	item.Context = StateContext{EnteredAt: now}
	item.History = []HistoryEntry{{State: StatePending, Timestamp: now}}
	item.GenerationResult = nil
	item.ValidationResult = nil
}

// recomputeStatsLocked rebuilds the terminal counters from the item set.
// RateLimitEvents and StartedAt are cumulative and survive resets; EndedAt
// only survives while every item is still terminal.
func (m *ProcessingMachine) recomputeStatsLocked() {
	stats := RunStats{
		Total:           len(m.items),
		RateLimitEvents: m.stats.RateLimitEvents,
		StartedAt:       m.stats.StartedAt,
	}
	if m.allCompleteLocked() {
		stats.EndedAt = m.stats.EndedAt
	}
	for _, item := range m.items {
		switch item.Current {
		case StatePassed:
			stats.Passed++
		case StatePartial:
			stats.Partial++
		case StateFailed:
			stats.Failed++
		case StateError:
			stats.Errors++
		case StateSkipped:
			stats.Skipped++
		}
	}
	m.stats = stats
}

func (m *ProcessingMachine) updateStatsLocked(to ArchState) {
	switch to {
	case StateMined:
		m.stats.Mined++
	case StateGenerated:
		m.stats.Generated++
	case StateValidated:
		m.stats.Validated++
	case StatePassed:
		m.stats.Passed++
	case StatePartial:
		m.stats.Partial++
	case StateFailed:
		m.stats.Failed++
	case StateError:
		m.stats.Errors++
	case StateSkipped:
		m.stats.Skipped++
	case StateRateLimited:
		m.stats.RateLimitEvents++
	}
}

// persistLocked writes the current snapshot through to the store.
// Caller holds the mutex.
func (m *ProcessingMachine) persistLocked() error {
	if m.store == nil {
		return nil
	}

	snap := &Snapshot{
		SavedAt: time.Now(),
		Items:   m.items,
		Stats:   m.stats,
	}
	if err := m.store.Save(snap); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}
