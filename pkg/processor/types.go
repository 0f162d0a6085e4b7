package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Architecture describes one cloud architecture to validate.
type Architecture struct {
	// ID uniquely identifies the architecture within a run.
	ID string `json:"id"`

	// Name is the human-readable architecture name.
	Name string `json:"name"`

	// Description summarizes what the architecture builds.
	Description string `json:"description,omitempty"`

	// Services lists the backend services the architecture exercises.
	Services []string `json:"services,omitempty"`

	// Definition is the raw architecture definition handed to generation.
	Definition json.RawMessage `json:"definition,omitempty"`

	// ContentHash fingerprints the definition for probe cache lookups.
	ContentHash string `json:"content_hash,omitempty"`
}

// ProbeApp is a generated probe application: infrastructure code plus the
// tests that exercise it against an emulated backend.
type ProbeApp struct {
	// ArchID is the architecture the probe was generated for.
	ArchID string `json:"arch_id"`

	// Deploy is the infrastructure definition to apply.
	Deploy string `json:"deploy"`

	// TestCode is the test suite run against the deployed infrastructure.
	// May be empty; deployment alone then decides the outcome.
	TestCode string `json:"test_code,omitempty"`

	// Source records where the probe came from ("generated" or "cache").
	Source string `json:"source,omitempty"`

	// GeneratedAt is when the probe was produced.
	GeneratedAt time.Time `json:"generated_at"`
}

// ResultStatus is the final status of one validation task.
type ResultStatus string

const (
	// ResultPassed indicates deployment succeeded and all tests passed.
	ResultPassed ResultStatus = "PASSED"

	// ResultPartial indicates some tests passed and some failed.
	ResultPartial ResultStatus = "PARTIAL"

	// ResultFailed indicates deployment failed or no tests passed.
	ResultFailed ResultStatus = "FAILED"

	// ResultTimeout indicates the task exceeded its overall deadline.
	ResultTimeout ResultStatus = "TIMEOUT"

	// ResultError indicates the item ended in an unrecoverable error
	// before validation could complete.
	ResultError ResultStatus = "ERROR"

	// ResultSkipped indicates the item was excluded from validation.
	ResultSkipped ResultStatus = "SKIPPED"
)

// Validate checks if the result status is valid.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultPassed, ResultPartial, ResultFailed, ResultTimeout,
		ResultError, ResultSkipped:
		return nil
	default:
		return fmt.Errorf("invalid result status: %s", s)
	}
}

// TerminalState maps a result status to the machine state it implies.
func (s ResultStatus) TerminalState() ArchState {
	switch s {
	case ResultPassed:
		return StatePassed
	case ResultPartial:
		return StatePartial
	case ResultSkipped:
		return StateSkipped
	case ResultError:
		return StateError
	default:
		return StateFailed
	}
}

// DeployOutcome records how the infrastructure lifecycle went.
type DeployOutcome struct {
	InitOK    bool              `json:"init_ok"`
	ApplyOK   bool              `json:"apply_ok"`
	DestroyOK bool              `json:"destroy_ok"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// TestFailure describes one failed test case.
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// TestOutcome summarizes a test suite run.
type TestOutcome struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Failures []TestFailure `json:"failures,omitempty"`

	// FromExitCode is true when the report file could not be parsed and
	// the outcome was derived from the process exit code alone.
	FromExitCode bool `json:"from_exit_code,omitempty"`
}

// LogBundle collects the diagnostic output of one validation task.
type LogBundle struct {
	DeployLog  string `json:"deploy_log,omitempty"`
	TestOutput string `json:"test_output,omitempty"`
	BackendLog string `json:"backend_log,omitempty"`
}

// Result is the outcome of validating one architecture.
type Result struct {
	ArchID    string        `json:"arch_id"`
	ArchName  string        `json:"arch_name,omitempty"`
	Status    ResultStatus  `json:"status"`
	Deploy    *DeployOutcome `json:"deploy,omitempty"`
	Tests     *TestOutcome  `json:"tests,omitempty"`
	Logs      LogBundle     `json:"logs,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Generator produces probe apps for architectures. Errors must be
// *PipelineError values so callers can branch on the classification
// instead of the message text.
type Generator interface {
	Generate(ctx context.Context, arch Architecture) (*ProbeApp, error)
}

// Validator runs the deploy/test stage for a single item and returns its
// result. Implementations own the backing container lifecycle.
type Validator interface {
	ValidateOne(ctx context.Context, arch Architecture, probe *ProbeApp) (*Result, error)
}

// Budget is the spend handle consulted before each generation call.
// Implementations track whatever unit the generation collaborator meters.
type Budget interface {
	// Allow reports whether another generation call may be made.
	Allow() bool

	// Record charges the given spend against the budget.
	Record(units int64)
}

// ProbeCache resolves previously generated probes by architecture content
// hash so resumed runs can skip generation.
type ProbeCache interface {
	Get(contentHash string) (*ProbeApp, bool)
	Put(contentHash string, probe *ProbeApp) error
}
