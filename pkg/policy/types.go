package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// reject the probe.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the probe.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never reach a container.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation at this severity rejects the probe.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents one static-validation rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source records where the policy came from ("builtin" or a file path).
	Source string `json:"source,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation against a probe.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ArchID is the architecture whose probe violated the policy.
	ArchID string `json:"arch_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// CheckResult represents the outcome of checking one probe.
type CheckResult struct {
	// Allowed indicates if the probe passed static validation.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists findings that do not reject the probe.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the check ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration"`
}

// archInput is the architecture half of the evaluation input.
type archInput struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Services   []string        `json:"services,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

// probeInput is the probe half of the evaluation input.
type probeInput struct {
	Deploy   string `json:"deploy"`
	TestCode string `json:"test_code,omitempty"`
	Source   string `json:"source,omitempty"`
}

// CheckInput is the document handed to every policy as `input`.
type CheckInput struct {
	Arch  archInput  `json:"arch"`
	Probe probeInput `json:"probe"`
}
