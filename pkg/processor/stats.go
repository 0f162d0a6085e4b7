package processor

import "time"

// RunStats tracks aggregate counters for a processing run.
// RateLimitEvents counts rate-limit occurrences, not distinct items: an item
// that is throttled three times contributes three. StartedAt is stamped on
// the first registration; EndedAt on the transition that makes every item
// terminal, and cleared again when a reset reopens the run.
type RunStats struct {
	Total           int        `json:"total"`
	Mined           int        `json:"mined"`
	Generated       int        `json:"generated"`
	Validated       int        `json:"validated"`
	Passed          int        `json:"passed"`
	Partial         int        `json:"partial"`
	Failed          int        `json:"failed"`
	Errors          int        `json:"errors"`
	Skipped         int        `json:"skipped"`
	RateLimitEvents int        `json:"rate_limit_events"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Completed returns the number of items that reached a terminal state.
func (s RunStats) Completed() int {
	return s.Passed + s.Partial + s.Failed + s.Errors + s.Skipped
}

// PassRate returns the fraction of completed items that fully passed.
// Returns 0 when nothing has completed yet.
func (s RunStats) PassRate() float64 {
	completed := s.Completed()
	if completed == 0 {
		return 0
	}
	return float64(s.Passed) / float64(completed)
}
