package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of a validation run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one validation run over a manifest of architectures
type Run struct {
	ID           string     `json:"id"`
	ManifestPath string     `json:"manifest_path"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`

	// Aggregate outcome counters, filled in when the run completes.
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Partial int `json:"partial"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultRecord is the archived outcome of validating one architecture
type ResultRecord struct {
	ID       int64  `json:"id"`
	RunID    string `json:"run_id"`
	ArchID   string `json:"arch_id"`
	ArchName string `json:"arch_name"`
	Status   string `json:"status"`

	DeployOK     bool    `json:"deploy_ok"`
	TestsPassed  int     `json:"tests_passed"`
	TestsFailed  int     `json:"tests_failed"`
	TestsSkipped int     `json:"tests_skipped"`
	TestsErrored int     `json:"tests_errored"`
	Error        *string `json:"error,omitempty"`

	// Logs is a JSON blob bundling deploy, test, and backend output.
	Logs *string `json:"logs,omitempty"`

	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProbeRecord is a cached generated probe, keyed by the content hash of the
// architecture definition it was generated from
type ProbeRecord struct {
	ContentHash string    `json:"content_hash"`
	ArchID      string    `json:"arch_id"`
	Deploy      string    `json:"deploy"`
	TestCode    string    `json:"test_code"`
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	ArchID    *string    `json:"arch_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the archive persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	UpdateRunCounters(ctx context.Context, id string, total, passed, partial, failed, errors, skipped int) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Result operations
	InsertResult(ctx context.Context, rec *ResultRecord) error
	ListResultsByRun(ctx context.Context, runID string) ([]*ResultRecord, error)

	// Probe cache operations
	UpsertProbe(ctx context.Context, rec *ProbeRecord) error
	GetProbe(ctx context.Context, contentHash string) (*ProbeRecord, error)
	DeleteProbes(ctx context.Context) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, archID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
