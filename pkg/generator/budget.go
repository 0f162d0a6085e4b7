package generator

import (
	"sync"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// TokenBudget caps the total generation spend for one run. It is handed to
// the driver and the client explicitly rather than living as process state.
type TokenBudget struct {
	mu    sync.Mutex
	limit int64
	spent int64
}

var _ processor.Budget = (*TokenBudget)(nil)

// NewTokenBudget creates a budget with the given token limit. A limit of
// zero or less means unlimited.
func NewTokenBudget(limit int64) *TokenBudget {
	return &TokenBudget{limit: limit}
}

// Allow reports whether another generation call may be made.
func (b *TokenBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return true
	}
	return b.spent < b.limit
}

// Record charges tokens against the budget.
func (b *TokenBudget) Record(units int64) {
	if units <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent += units
}

// Spent returns the total tokens charged so far.
func (b *TokenBudget) Spent() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining returns the tokens left, or -1 when the budget is unlimited.
func (b *TokenBudget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return -1
	}
	if b.spent >= b.limit {
		return 0
	}
	return b.limit - b.spent
}
