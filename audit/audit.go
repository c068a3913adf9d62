package audit

import (
	"context"
	"time"

	"github.com/xraph/docflow/id"
)

// Actions. Each corresponds to one lifecycle hook.
const (
	ActionJobSubmitted = "job.submitted"
	ActionJobStarted   = "job.started"
	ActionJobRetrying  = "job.retrying"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobCanceled  = "job.canceled"
)

// ResourceConversionJob is the resource type of every job entry.
const ResourceConversionJob = "conversion_job"

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action the extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobStarted,
		ActionJobRetrying,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCanceled,
	}
}

// Entry is one audit record.
type Entry struct {
	ID        id.AuditID `json:"id"`
	Timestamp time.Time  `json:"timestamp"`

	Action         string `json:"action"`
	ResourceType   string `json:"resource_type"`
	ResourceID     string `json:"resource_id"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`

	Outcome  string         `json:"outcome"`
	Severity string         `json:"severity"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Logger persists audit entries.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
}

// LoggerFunc is an adapter to use a plain function as a Logger.
type LoggerFunc func(ctx context.Context, e *Entry) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, e *Entry) error {
	return f(ctx, e)
}
