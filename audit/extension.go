package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobSubmitted = (*Extension)(nil)
	_ ext.JobStarted   = (*Extension)(nil)
	_ ext.JobRetrying  = (*Extension)(nil)
	_ ext.JobCompleted = (*Extension)(nil)
	_ ext.JobFailed    = (*Extension)(nil)
	_ ext.JobCanceled  = (*Extension)(nil)
	_ ext.Shutdown     = (*Extension)(nil)
)

// Extension bridges lifecycle events to a Logger.
type Extension struct {
	sink    Logger
	enabled map[string]bool // nil = all enabled
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Extension that writes entries to sink. Wrap slow sinks
// in Async.
func New(sink Logger, opts ...Option) *Extension {
	e := &Extension{
		sink:   sink,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// OnJobSubmitted implements ext.JobSubmitted.
func (e *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess, j, nil,
		"conversion_type", string(j.ConversionType),
		"file_name", j.InputFileName,
		"file_size", j.InputFileSize,
		"priority", string(j.Priority),
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, j, nil,
		"attempt", j.Attempts,
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	return e.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, j, nil,
		"attempt", attempt,
		"next_run_at", nextRunAt.UTC().Format(time.RFC3339),
		"last_error", j.LastError,
	)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j, nil,
		"processing_ms", elapsed.Milliseconds(),
		"output_file_name", j.OutputFileName,
		"output_file_size", j.OutputFileSize,
		"attempts", j.Attempts,
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	kv := []any{"attempts", j.Attempts}
	if d := j.ErrorDetails; d != nil {
		kv = append(kv, "error_kind", d.Kind, "recoverable", d.Recoverable)
	}
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, j, jobErr, kv...)
}

// OnJobCanceled implements ext.JobCanceled.
func (e *Extension) OnJobCanceled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCanceled, SeverityInfo, OutcomeSuccess, j, nil,
		"progress", j.Progress,
	)
}

// OnShutdown implements ext.Shutdown. It flushes the sink when the sink
// supports it.
func (e *Extension) OnShutdown(ctx context.Context) error {
	if c, ok := e.sink.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	j *job.Job,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	details := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		details[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
	} else if j.ErrorMessage != "" && action == ActionJobFailed {
		reason = j.ErrorMessage
	}

	entry := &Entry{
		ID:             id.NewAuditID(),
		Timestamp:      e.now(),
		Action:         action,
		ResourceType:   ResourceConversionJob,
		ResourceID:     j.ID.String(),
		OrganizationID: j.OrganizationID,
		UserID:         j.UserID,
		Outcome:        outcome,
		Severity:       severity,
		Reason:         reason,
		Details:        details,
	}

	if logErr := e.sink.Log(ctx, entry); logErr != nil {
		e.logger.Warn("audit: failed to record entry",
			slog.String("action", action),
			slog.String("resource_id", entry.ResourceID),
			slog.String("error", logErr.Error()),
		)
	}
	return nil
}
