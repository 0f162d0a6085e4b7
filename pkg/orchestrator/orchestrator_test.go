package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/backend"
	"github.com/stackprobe/stackprobe/pkg/processor"
)

// Fake backend manager tracking lifecycle calls
type fakeBackends struct {
	mu           sync.Mutex
	startErr     error
	instOnErr    bool
	starts       int
	stops        map[string]int
	active       int
	maxActive    int
	cleanupCalls int
	logsOutput   string
}

func newFakeBackends() *fakeBackends {
	return &fakeBackends{stops: make(map[string]int)}
}

func (f *fakeBackends) Start(ctx context.Context) (*backend.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	inst := &backend.Instance{
		ID:       fmt.Sprintf("probe-backend-%d", f.starts),
		Endpoint: "http://127.0.0.1:45660",
	}
	if f.startErr != nil {
		if f.instOnErr {
			f.active++
			return inst, f.startErr
		}
		return nil, f.startErr
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return inst, nil
}

func (f *fakeBackends) Stop(ctx context.Context, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[instanceID]++
	f.active--
}

func (f *fakeBackends) Logs(ctx context.Context, instanceID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logsOutput
}

func (f *fakeBackends) CleanupAll(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
}

func (f *fakeBackends) totalStops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.stops {
		n += c
	}
	return n
}

// Fake executor with scripted outcomes
type fakeExecutor struct {
	mu               sync.Mutex
	calls            int
	delay            time.Duration
	status           processor.ResultStatus
	err              error
	blockUntilCancel bool
}

func (f *fakeExecutor) Execute(ctx context.Context, workDir string, probe *processor.ProbeApp, endpoint string) (*processor.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	status := f.status
	if status == "" {
		status = processor.ResultPassed
	}
	return &processor.Result{
		ArchID:    probe.ArchID,
		Status:    status,
		Deploy:    &processor.DeployOutcome{InitOK: true, ApplyOK: true, DestroyOK: true},
		StartedAt: time.Now(),
		Duration:  time.Millisecond,
	}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOrchestrator(t *testing.T, cfg Config, backends BackendManager, exec TaskExecutor) *BoundedOrchestrator {
	t.Helper()
	cfg.WorkDir = t.TempDir()
	return New(cfg, backends, exec, nil, zerolog.Nop())
}

func testTask(id string) Task {
	return Task{
		Arch: processor.Architecture{ID: id, Name: "arch " + id},
		Probe: &processor.ProbeApp{
			ArchID: id,
			Deploy: `resource "aws_s3_bucket" "b" {}`,
		},
	}
}

func TestOrchestrator_ValidateOne_Passed(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{}
	orch := testOrchestrator(t, Config{Parallelism: 2, TaskTimeout: 5 * time.Second}, backends, exec)

	task := testTask("arch-1")
	result, err := orch.ValidateOne(context.Background(), task.Arch, task.Probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Status != processor.ResultPassed {
		t.Errorf("Expected PASSED, got %s", result.Status)
	}
	if result.ArchName != "arch arch-1" {
		t.Errorf("Expected arch name on result, got %q", result.ArchName)
	}
	if result.Logs.BackendLog != "" {
		t.Error("Expected no backend log for a passing task")
	}
	if backends.totalStops() != 1 {
		t.Errorf("Expected 1 backend stop, got %d", backends.totalStops())
	}
}

func TestOrchestrator_ValidateOne_FailureAttachesBackendLog(t *testing.T) {
	backends := newFakeBackends()
	backends.logsOutput = "backend boot log"
	exec := &fakeExecutor{status: processor.ResultFailed}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	task := testTask("arch-1")
	result, err := orch.ValidateOne(context.Background(), task.Arch, task.Probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Logs.BackendLog != "backend boot log" {
		t.Errorf("Expected backend log on failed task, got %q", result.Logs.BackendLog)
	}
}

func TestOrchestrator_BackendStartFailure_SynthesizesFailed(t *testing.T) {
	backends := newFakeBackends()
	backends.startErr = errors.New("port is already allocated")
	exec := &fakeExecutor{}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	task := testTask("arch-1")
	result, err := orch.ValidateOne(context.Background(), task.Arch, task.Probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Status != processor.ResultFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
	if result.Error == "" {
		t.Error("Expected error detail on synthesized result")
	}
	if exec.callCount() != 0 {
		t.Error("Expected no executor call when backend never started")
	}
	if backends.totalStops() != 0 {
		t.Errorf("Expected no stop without an instance, got %d", backends.totalStops())
	}
}

func TestOrchestrator_HealthTimeout_StopsInstance(t *testing.T) {
	backends := newFakeBackends()
	backends.startErr = errors.New("backend not healthy after 60s")
	backends.instOnErr = true
	exec := &fakeExecutor{}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	task := testTask("arch-1")
	result, err := orch.ValidateOne(context.Background(), task.Arch, task.Probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Status != processor.ResultFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
	// The unhealthy container still has to be removed.
	if backends.totalStops() != 1 {
		t.Errorf("Expected 1 stop for unhealthy instance, got %d", backends.totalStops())
	}
	if exec.callCount() != 0 {
		t.Error("Expected no executor call for unhealthy backend")
	}
}

func TestOrchestrator_TaskTimeout_SynthesizesTimeout(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{blockUntilCancel: true}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 50 * time.Millisecond}, backends, exec)

	task := testTask("arch-1")
	result, err := orch.ValidateOne(context.Background(), task.Arch, task.Probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Status != processor.ResultTimeout {
		t.Errorf("Expected TIMEOUT, got %s", result.Status)
	}
	if backends.totalStops() != 1 {
		t.Errorf("Expected backend stop after timeout, got %d", backends.totalStops())
	}
}

func TestOrchestrator_ValidateAll_CompletesAllTasks(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{delay: 10 * time.Millisecond}
	orch := testOrchestrator(t, Config{Parallelism: 2, TaskTimeout: 5 * time.Second}, backends, exec)

	tasks := []Task{testTask("arch-1"), testTask("arch-2"), testTask("arch-3"), testTask("arch-4"), testTask("arch-5")}
	results := orch.ValidateAll(context.Background(), tasks)

	if len(results) != 5 {
		t.Fatalf("Expected 5 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != processor.ResultPassed {
			t.Errorf("Expected PASSED for %s, got %s", r.ArchID, r.Status)
		}
	}
	if backends.maxActive > 2 {
		t.Errorf("Expected at most 2 live backends, saw %d", backends.maxActive)
	}
	if backends.totalStops() != 5 {
		t.Errorf("Expected 5 stops, got %d", backends.totalStops())
	}
	if backends.cleanupCalls != 1 {
		t.Errorf("Expected final cleanup, got %d calls", backends.cleanupCalls)
	}
}

func TestOrchestrator_Parallelism1_Serializes(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	tasks := []Task{testTask("arch-1"), testTask("arch-2"), testTask("arch-3")}
	results := orch.ValidateAll(context.Background(), tasks)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if backends.maxActive != 1 {
		t.Errorf("Expected exactly 1 live backend at a time, saw %d", backends.maxActive)
	}
}

func TestOrchestrator_ValidateOne_CancelledWhileQueued(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{delay: 200 * time.Millisecond}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	// Occupy the only slot.
	first := testTask("arch-1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = orch.ValidateOne(context.Background(), first.Arch, first.Probe)
	}()

	// Give the first task time to take the slot.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	second := testTask("arch-2")
	_, err := orch.ValidateOne(ctx, second.Arch, second.Probe)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error while queued, got: %v", err)
	}

	<-done
}

func TestOrchestrator_ValidateAll_CancelledTasksStillGetResults(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []Task{testTask("arch-1"), testTask("arch-2"), testTask("arch-3")}
	results := orch.ValidateAll(ctx, tasks)

	// Every task gets a result even when it never ran.
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != processor.ResultFailed {
			t.Errorf("Expected FAILED for %s, got %s", r.ArchID, r.Status)
		}
		if r.Error == "" {
			t.Errorf("Expected error detail for %s", r.ArchID)
		}
	}
	if exec.callCount() != 0 {
		t.Error("Expected no executor calls under a cancelled context")
	}
	if backends.cleanupCalls != 1 {
		t.Errorf("Expected final cleanup, got %d calls", backends.cleanupCalls)
	}
}

func TestOrchestrator_Results_SortedByArchID(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{}
	orch := testOrchestrator(t, Config{Parallelism: 3, TaskTimeout: 5 * time.Second}, backends, exec)

	tasks := []Task{testTask("arch-c"), testTask("arch-a"), testTask("arch-b")}
	results := orch.ValidateAll(context.Background(), tasks)

	want := []string{"arch-a", "arch-b", "arch-c"}
	for i, r := range results {
		if r.ArchID != want[i] {
			t.Errorf("Expected %s at position %d, got %s", want[i], i, r.ArchID)
		}
	}

	if _, ok := orch.Result("arch-b"); !ok {
		t.Error("Expected lookup by arch ID to succeed")
	}
}

func TestOrchestrator_ExecutorError_SynthesizesFailed(t *testing.T) {
	backends := newFakeBackends()
	exec := &fakeExecutor{err: errors.New("terraform binary not found")}
	orch := testOrchestrator(t, Config{Parallelism: 1, TaskTimeout: 5 * time.Second}, backends, exec)

	task := testTask("arch-1")
	result, err := orch.ValidateOne(context.Background(), task.Arch, task.Probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Status != processor.ResultFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
	if backends.totalStops() != 1 {
		t.Errorf("Expected backend stop after executor error, got %d", backends.totalStops())
	}
}
