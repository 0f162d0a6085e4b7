package processor

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of a processing error for retry
// and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimited indicates quota exhaustion or throttling by a
	// collaborator. Carries the time to wait before retrying.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid probe app, rejected request, malformed input.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassTimeout indicates an operation exceeded its deadline.
	ErrorClassTimeout ErrorClass = "timeout"
)

// PipelineError represents a classified error with context.
// Consumers branch on the class through the predicate helpers, never on the
// message text.
type PipelineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ArchID is the architecture being processed when the error occurred.
	ArchID string `json:"arch_id,omitempty"`

	// Stage is the pipeline stage that produced the error.
	Stage string `json:"stage,omitempty"`

	// RetryAfter is how long to wait before retrying. Only meaningful for
	// rate-limited errors.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.ArchID != "" && e.Stage != "" {
		return fmt.Sprintf("[%s] %s (arch=%s, stage=%s): %s",
			e.Class, e.Message, e.ArchID, e.Stage, e.unwrapMessage())
	}
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s): %s",
			e.Class, e.Message, e.Stage, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

func (e *PipelineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *PipelineError {
	return &PipelineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitedError creates a new rate-limited error carrying the wait
// duration requested by the collaborator.
func NewRateLimitedError(message string, retryAfter time.Duration, err error) *PipelineError {
	return &PipelineError{
		Class:      ErrorClassRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *PipelineError {
	return &PipelineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *PipelineError {
	return &PipelineError{
		Class:   ErrorClassTimeout,
		Message: message,
		Err:     err,
	}
}

// WithArch adds architecture context to an error.
func (e *PipelineError) WithArch(archID string) *PipelineError {
	e.ArchID = archID
	return e
}

// WithStage adds stage context to an error.
func (e *PipelineError) WithStage(stage string) *PipelineError {
	e.Stage = stage
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRateLimited returns true if the error is classified as rate-limited.
func IsRateLimited(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRateLimited
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTimeout
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, rate-limited, and timeout errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsRateLimited(err) || IsTimeout(err)
}

// RetryAfterOf extracts the requested wait duration from a rate-limited
// error. Returns false when the error carries no wait hint.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *PipelineError
	if errors.As(err, &e) && e.Class == ErrorClassRateLimited && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
