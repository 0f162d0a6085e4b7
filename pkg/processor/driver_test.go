package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Mock generator for testing
type mockGenerator struct {
	mu       sync.Mutex
	calls    int
	outcomes []error // nil entry means success
	probe    *ProbeApp
}

func (g *mockGenerator) Generate(ctx context.Context, arch Architecture) (*ProbeApp, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	if g.calls < len(g.outcomes) {
		err = g.outcomes[g.calls]
	}
	g.calls++

	if err != nil {
		return nil, err
	}

	probe := g.probe
	if probe == nil {
		probe = &ProbeApp{ArchID: arch.ID, Deploy: "resource", GeneratedAt: time.Now()}
	}
	return probe, nil
}

func (g *mockGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Mock validator for testing
type mockValidator struct {
	mu     sync.Mutex
	calls  int
	status ResultStatus
	err    error
}

func (v *mockValidator) ValidateOne(ctx context.Context, arch Architecture, probe *ProbeApp) (*Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++

	if v.err != nil {
		return nil, v.err
	}

	status := v.status
	if status == "" {
		status = ResultPassed
	}
	return &Result{ArchID: arch.ID, Status: status, StartedAt: time.Now()}, nil
}

type mockCache struct {
	mu     sync.Mutex
	probes map[string]*ProbeApp
	puts   int
}

func newMockCache() *mockCache {
	return &mockCache{probes: make(map[string]*ProbeApp)}
}

func (c *mockCache) Get(hash string) (*ProbeApp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.probes[hash]
	return p, ok
}

func (c *mockCache) Put(hash string, probe *ProbeApp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[hash] = probe
	c.puts++
	return nil
}

type mockBudget struct {
	mu      sync.Mutex
	allowed bool
}

func (b *mockBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowed
}

func (b *mockBudget) Record(units int64) {}

type mockChecker struct {
	err error
}

func (c *mockChecker) Check(ctx context.Context, arch Architecture, probe *ProbeApp) error {
	return c.err
}

func newDriverMachine(t *testing.T, ids ...string) *ProcessingMachine {
	t.Helper()
	m := newTestMachine(t, nil)
	for _, id := range ids {
		registerMined(t, m, id)
	}
	return m
}

func TestDriver_Run_SingleItemPasses(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{}
	val := &mockValidator{status: ResultPassed}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StatePassed {
		t.Errorf("Expected PASSED, got %s", item.Current)
	}
	if item.GenerationResult == nil {
		t.Error("Expected cached generation result")
	}
	if item.ValidationResult == nil || item.ValidationResult.Status != ResultPassed {
		t.Error("Expected cached validation result with PASSED status")
	}
	if !m.AllComplete() {
		t.Error("Expected run to be complete")
	}
}

func TestDriver_Run_VisitsExpectedStates(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{}
	val := &mockValidator{status: ResultPartial}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	want := []ArchState{StatePending, StateMining, StateMined, StateGenerating,
		StateGenerated, StateValidating, StateValidated, StatePartial}
	if len(item.History) != len(want) {
		t.Fatalf("Expected %d history entries, got %d: %v", len(want), len(item.History), item.History)
	}
	for i, entry := range item.History {
		if entry.State != want[i] {
			t.Errorf("History[%d]: expected %s, got %s", i, want[i], entry.State)
		}
	}
}

func TestDriver_Run_RateLimitedThenSuccess(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{
		outcomes: []error{NewRateLimitedError("throttled", 30*time.Millisecond, nil), nil},
	}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	start := time.Now()
	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The driver must have waited out the retry delay, not spun past it.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Expected run to wait for retry, finished in %v", elapsed)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StatePassed {
		t.Errorf("Expected PASSED, got %s", item.Current)
	}
	if gen.callCount() != 2 {
		t.Errorf("Expected 2 generation calls, got %d", gen.callCount())
	}
	if got := m.Stats().RateLimitEvents; got != 1 {
		t.Errorf("Expected rate_limit_events=1, got %d", got)
	}
}

func TestDriver_Run_PermanentGenerationError(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{outcomes: []error{NewPermanentError("rejected", nil)}}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StateError {
		t.Errorf("Expected ERROR, got %s", item.Current)
	}
	if item.Context.ErrorKind != string(ErrorClassPermanent) {
		t.Errorf("Expected permanent error kind, got %s", item.Context.ErrorKind)
	}
}

func TestDriver_Run_UnclassifiedErrorIsUnrecoverable(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{outcomes: []error{errors.New("something odd")}}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StateError {
		t.Errorf("Expected ERROR for unclassified failure, got %s", item.Current)
	}
}

func TestDriver_Run_StaticCheckFailure(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{
		Checker: &mockChecker{err: errors.New("probe references no services")},
		Logger:  zerolog.Nop(),
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StateError {
		t.Errorf("Expected ERROR for static check failure, got %s", item.Current)
	}
	if item.Context.ErrorKind != "static_validation" {
		t.Errorf("Expected static_validation error kind, got %s", item.Context.ErrorKind)
	}
}

func TestDriver_Run_BudgetExhausted(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{
		Budget: &mockBudget{allowed: false},
		Logger: zerolog.Nop(),
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StateError {
		t.Errorf("Expected ERROR, got %s", item.Current)
	}
	if gen.callCount() != 0 {
		t.Errorf("Expected no generation calls, got %d", gen.callCount())
	}
}

func TestDriver_SkipGeneration_CacheHit(t *testing.T) {
	m := newTestMachine(t, nil)
	if _, err := m.Register(Architecture{ID: "arch-1", ContentHash: "abc"}); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	for _, s := range []ArchState{StateMining, StateMined} {
		if err := m.Transition("arch-1", s); err != nil {
			t.Fatalf("Failed to advance: %v", err)
		}
	}

	cache := newMockCache()
	cache.probes["abc"] = &ProbeApp{ArchID: "arch-1", Deploy: "cached resource"}

	gen := &mockGenerator{}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{
		Cache:          cache,
		SkipGeneration: true,
		Logger:         zerolog.Nop(),
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StatePassed {
		t.Errorf("Expected PASSED, got %s", item.Current)
	}
	if gen.callCount() != 0 {
		t.Errorf("Expected no generation calls, got %d", gen.callCount())
	}
	if item.GenerationResult == nil || item.GenerationResult.Source != "cache" {
		t.Error("Expected cached probe to be used")
	}
}

func TestDriver_SkipGeneration_NoCacheSkips(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{
		SkipGeneration: true,
		Logger:         zerolog.Nop(),
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StateSkipped {
		t.Errorf("Expected SKIPPED, got %s", item.Current)
	}
}

func TestDriver_Run_CachesGeneratedProbe(t *testing.T) {
	m := newTestMachine(t, nil)
	if _, err := m.Register(Architecture{ID: "arch-1", ContentHash: "abc"}); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	for _, s := range []ArchState{StateMining, StateMined} {
		if err := m.Transition("arch-1", s); err != nil {
			t.Fatalf("Failed to advance: %v", err)
		}
	}

	cache := newMockCache()
	driver := NewSequentialDriver(m, &mockGenerator{}, &mockValidator{}, DriverOptions{
		Cache:  cache,
		Logger: zerolog.Nop(),
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, ok := cache.Get("abc"); !ok {
		t.Error("Expected generated probe to be cached")
	}
}

func TestDriver_Run_ValidatorErrorIsTerminal(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{}
	val := &mockValidator{err: errors.New("container runtime unavailable")}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	item, _ := m.Get("arch-1")
	if item.Current != StateError {
		t.Errorf("Expected ERROR, got %s", item.Current)
	}
}

func TestDriver_Run_MultipleItems(t *testing.T) {
	m := newDriverMachine(t, "arch-1", "arch-2", "arch-3")
	gen := &mockGenerator{}
	val := &mockValidator{status: ResultPassed}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !m.AllComplete() {
		t.Error("Expected all items to complete")
	}
	if got := m.Stats().Passed; got != 3 {
		t.Errorf("Expected 3 passed, got %d", got)
	}
}

func TestDriver_Run_ContextCancellation(t *testing.T) {
	m := newDriverMachine(t, "arch-1")
	gen := &mockGenerator{
		outcomes: []error{NewRateLimitedError("throttled", time.Hour, nil)},
	}
	val := &mockValidator{}
	driver := NewSequentialDriver(m, gen, val, DriverOptions{Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := driver.Run(ctx)
	if err == nil {
		t.Fatal("Expected context error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", err)
	}
}

func TestDriver_Run_PersistFailureAborts(t *testing.T) {
	store := &mockStore{}
	m := newTestMachine(t, store)
	registerMined(t, m, "arch-1")

	// Persistence starts failing mid-run.
	store.mu.Lock()
	store.saveErr = errors.New("disk full")
	store.mu.Unlock()

	driver := NewSequentialDriver(m, &mockGenerator{}, &mockValidator{}, DriverOptions{Logger: zerolog.Nop()})

	if err := driver.Run(context.Background()); err == nil {
		t.Fatal("Expected persistence failure to abort the run, got nil")
	}
}
