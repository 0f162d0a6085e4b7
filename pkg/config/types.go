package config

import (
	"time"
)

// RunConfig is the full configuration for one validation run.
type RunConfig struct {
	// Manifest is the architecture manifest file or directory.
	Manifest string `json:"manifest" validate:"required"`

	// StateFile is where resumable run state is persisted.
	StateFile string `json:"state_file,omitempty"`

	// Archive configures the SQLite result archive.
	Archive ArchiveConfig `json:"archive,omitempty"`

	// Generation configures the probe generation collaborator.
	Generation GenerationConfig `json:"generation"`

	// Execution configures the deploy/test executor.
	Execution ExecutionConfig `json:"execution,omitempty"`

	// Backend configures the emulated backend containers.
	Backend BackendConfig `json:"backend,omitempty"`

	// Policy configures static probe validation.
	Policy PolicyConfig `json:"policy,omitempty"`

	// Selector is a Starlark script that picks which architectures this
	// run processes. Empty means all of them.
	Selector string `json:"selector,omitempty"`
}

// GenerationConfig configures the probe generation client and budget.
type GenerationConfig struct {
	// ServiceURL is the generation service endpoint.
	ServiceURL string `json:"service_url" validate:"required,url"`

	// APIKey authenticates against the generation service.
	APIKey string `json:"api_key,omitempty"`

	// TimeoutSeconds bounds one generation request.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"omitempty,gte=1"`

	// TokenBudget caps total generation spend. Zero means unlimited.
	TokenBudget int64 `json:"token_budget,omitempty" validate:"omitempty,gte=0"`

	// Skip reuses cached probes instead of generating. Items without a
	// cached probe are skipped.
	Skip bool `json:"skip,omitempty"`
}

// ExecutionConfig configures the bounded deploy/test executor.
type ExecutionConfig struct {
	// Parallelism is the number of concurrent validation tasks.
	Parallelism int `json:"parallelism,omitempty" validate:"omitempty,gte=1,lte=64"`

	// TaskTimeoutSeconds bounds one full deploy/test/destroy cycle.
	TaskTimeoutSeconds int `json:"task_timeout_seconds,omitempty" validate:"omitempty,gte=1"`

	// WorkDir is where per-task working directories are created.
	// Empty means the system temp directory.
	WorkDir string `json:"work_dir,omitempty"`
}

// BackendConfig configures the emulated backend containers.
type BackendConfig struct {
	// Image is the container image to run.
	Image string `json:"image,omitempty"`

	// StartTimeoutSeconds bounds container startup and health.
	StartTimeoutSeconds int `json:"start_timeout_seconds,omitempty" validate:"omitempty,gte=1"`

	// Memory is the per-container memory limit (docker syntax, e.g. "2g").
	Memory string `json:"memory,omitempty"`

	// CPUs is the per-container CPU limit.
	CPUs string `json:"cpus,omitempty"`

	// PidsLimit caps the number of processes per container.
	PidsLimit int `json:"pids_limit,omitempty" validate:"omitempty,gte=1"`
}

// ArchiveConfig configures the SQLite result archive.
type ArchiveConfig struct {
	// Path is the database file. Empty disables archiving.
	Path string `json:"path,omitempty"`
}

// PolicyConfig configures static probe validation.
type PolicyConfig struct {
	// Enabled turns the policy check on. Built-ins always apply when
	// enabled.
	Enabled bool `json:"enabled"`

	// Paths lists user .rego policy files or directories.
	Paths []string `json:"paths,omitempty"`

	// Watch hot-reloads user policies on change.
	Watch bool `json:"watch,omitempty"`
}

// ValidationError is one configuration problem with source location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Path is the CUE path to the error (e.g., "run.execution.parallelism").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// LoadResult carries a parsed configuration with its provenance.
type LoadResult struct {
	// Config is the decoded run configuration.
	Config *RunConfig `json:"config,omitempty"`

	// SourceFile is the CUE file that was parsed.
	SourceFile string `json:"source_file"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists validation errors. Config is nil when non-empty.
	Errors []ValidationError `json:"errors,omitempty"`
}

// DefaultRunConfig returns a configuration with operational defaults
// applied. The manifest and generation service still have to come from the
// user's file.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		StateFile: "stackprobe-state.json",
		Archive: ArchiveConfig{
			Path: "stackprobe.db",
		},
		Generation: GenerationConfig{
			TimeoutSeconds: 120,
		},
		Execution: ExecutionConfig{
			Parallelism:        2,
			TaskTimeoutSeconds: 900,
		},
		Backend: BackendConfig{
			Image:               "localstack/localstack:latest",
			StartTimeoutSeconds: 120,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
	}
}
