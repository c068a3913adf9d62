package docflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Wiring errors.
	ErrNoStore   = errors.New("docflow: no job store configured")
	ErrNoBroker  = errors.New("docflow: no broker configured")
	ErrNoStorage = errors.New("docflow: no storage configured")
	ErrNoRoutine = errors.New("docflow: no conversion routine configured")

	// Not found errors. A job owned by another tenant is reported as
	// ErrJobNotFound as well.
	ErrJobNotFound = errors.New("docflow: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("docflow: job already exists")
	ErrStatusConflict   = errors.New("docflow: job status changed concurrently")

	// State errors.
	ErrInvalidTransition = errors.New("docflow: invalid status transition")
	ErrNotCancelable     = errors.New("docflow: job is not cancelable")
	ErrNotOwner          = errors.New("docflow: job is owned by another user")

	// Input errors.
	ErrInvalidInput = errors.New("docflow: invalid input")

	// Queue errors.
	ErrBrokerClosed = errors.New("docflow: broker closed")

	// Taxonomy roots, matched by the typed errors below via errors.Is.
	ErrResourceLimit = errors.New("docflow: resource limit exceeded")
	ErrRateLimited   = errors.New("docflow: rate limit exceeded")
	ErrSystem        = errors.New("docflow: system failure")
)

// Limit names reported in ResourceLimitError.
const (
	LimitFileSize       = "max_file_size_mb"
	LimitConcurrentJobs = "max_concurrent_jobs"
)

// ResourceLimitError reports a file size or concurrency ceiling that a
// submission would exceed. It is never retried.
type ResourceLimitError struct {
	Limit     string
	Requested int64
	Allowed   int64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("docflow: %s exceeded: requested %d, allowed %d", e.Limit, e.Requested, e.Allowed)
}

// Is reports whether target is ErrResourceLimit.
func (e *ResourceLimitError) Is(target error) bool { return target == ErrResourceLimit }

// RateLimitError reports an exhausted token bucket. RetryAfter is the time
// until at least one token is available again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("docflow: rate limit exceeded, retry after %s", e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// SystemError wraps an infrastructure failure (storage, datastore, broker).
// System errors are retried by the worker pool.
type SystemError struct {
	Op  string
	Err error
}

// NewSystemError wraps err as a SystemError for the given operation.
// It returns nil when err is nil.
func NewSystemError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SystemError{Op: op, Err: err}
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("docflow: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SystemError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSystem.
func (e *SystemError) Is(target error) bool { return target == ErrSystem }
