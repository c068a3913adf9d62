// Package worker provides the job execution engine: an Executor that runs
// one conversion attempt through middleware, and a Pool that manages
// concurrent worker goroutines pulling jobs from the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/backoff"
	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/middleware"
	"github.com/xraph/docflow/queue"
	"github.com/xraph/docflow/storage"
)

// Progress checkpoints reported while an attempt runs.
const (
	progressLoading    = 10
	progressValidating = 20
	progressConverting = 30
	progressSaving     = 80
	progressFinalizing = 90
)

// errCanceled stops an attempt whose job was canceled while it ran.
var errCanceled = errors.New("worker: job canceled")

// Executor runs a single conversion attempt through middleware, then
// persists the outcome, schedules retries, and emits lifecycle events.
type Executor struct {
	store      job.Store
	storage    storage.Storage
	routine    convert.Routine
	broker     queue.Broker
	extensions *ext.Registry
	policy     backoff.Policy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	store job.Store,
	files storage.Storage,
	routine convert.Routine,
	broker queue.Broker,
	extensions *ext.Registry,
	policy backoff.Policy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Executor{
		store:      store,
		storage:    files,
		routine:    routine,
		broker:     broker,
		extensions: extensions,
		policy:     policy,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// claimable reports whether a dequeued job may start a new attempt here.
// A processing job is only claimable while it waits for a retry or was
// handed back by the reaper; any other step means an attempt is running.
func claimable(j *job.Job) bool {
	switch j.Status {
	case job.StatusPending:
		return true
	case job.StatusProcessing:
		return j.CurrentStep == job.StepRetrying || j.CurrentStep == job.StepQueued
	default:
		return false
	}
}

// Execute runs one attempt of the queued job.
//
// On success the job is completed and JobCompleted is emitted. A
// recoverable failure with attempts left schedules a retry; any other
// failure marks the job failed. A job that is no longer claimable (canceled,
// finished, or running elsewhere) is skipped and nil is returned.
func (e *Executor) Execute(ctx context.Context, it queue.Item) error {
	j, err := e.store.GetJob(ctx, it.JobID)
	if errors.Is(err, docflow.ErrJobNotFound) {
		e.logger.Warn("dropping queue item for unknown job", slog.String("job_id", it.JobID.String()))
		return nil
	}
	if err != nil {
		return docflow.NewSystemError("store.get", err)
	}
	if !claimable(j) {
		e.logger.Debug("skipping unclaimable job",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(j.Status)),
			slog.String("step", string(j.CurrentStep)),
		)
		return nil
	}

	from := j.Status
	now := time.Now().UTC()
	if err := j.Transition(job.StatusProcessing, now); err != nil {
		return err
	}
	j.Attempts++
	j.Progress = 0
	j.CurrentStep = job.StepLoading
	j.HeartbeatAt = &now
	if err := e.store.UpdateJob(ctx, j, from); err != nil {
		if errors.Is(err, docflow.ErrStatusConflict) {
			return nil
		}
		return docflow.NewSystemError("store.claim", err)
	}
	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	runErr := e.mw(ctx, j, func(ctx context.Context) error {
		return e.run(ctx, j)
	})

	if errors.Is(runErr, errCanceled) {
		e.logger.Info("attempt stopped, job canceled", slog.String("job_id", j.ID.String()))
		return nil
	}
	if runErr != nil {
		if canceled, _ := e.isCanceled(ctx, j); canceled {
			e.logger.Info("attempt stopped, job canceled", slog.String("job_id", j.ID.String()))
			return nil
		}
		return e.handleFailure(ctx, j, it, runErr)
	}
	return e.handleSuccess(ctx, j, time.Since(start))
}

// run performs the attempt body: load, validate, convert, save.
func (e *Executor) run(ctx context.Context, j *job.Job) error {
	if err := e.checkpoint(ctx, j, progressLoading, job.StepLoading); err != nil {
		return err
	}
	content, err := e.storage.Load(ctx, j.InputPath)
	if err != nil {
		return docflow.NewSystemError("storage.load", err)
	}

	if err := e.checkpoint(ctx, j, progressValidating, job.StepValidating); err != nil {
		return err
	}
	if err := convert.Validate(j.ConversionType, content); err != nil {
		return err
	}

	if err := e.checkpoint(ctx, j, progressConverting, job.StepConverting); err != nil {
		return err
	}
	res, err := e.routine.Convert(ctx, content, j.ConversionType, convert.Options(j.Options))
	if err != nil {
		return err
	}
	if res == nil {
		return convert.Transient(j.ConversionType, "routine returned no result", nil)
	}

	if err := e.checkpoint(ctx, j, progressSaving, job.StepSaving); err != nil {
		return err
	}
	name := res.FileName
	if name == "" {
		name = outputName(j)
	}
	ref, err := e.storage.Save(ctx, j.OrganizationID, j.ID, name, res.Content)
	if err != nil {
		return docflow.NewSystemError("storage.save", err)
	}

	j.OutputFileName = name
	j.OutputFileSize = int64(len(res.Content))
	j.OutputFileHash = convert.Hash(res.Content)
	j.OutputPath = ref

	return e.checkpoint(ctx, j, progressFinalizing, job.StepFinalizing)
}

// outputName derives the output file name from the input name.
func outputName(j *job.Job) string {
	base := path.Base(strings.ReplaceAll(j.InputFileName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "document"
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	return base + j.ConversionType.OutputExt()
}

// checkpoint persists progress and emits JobProgress. It returns errCanceled
// if the job was canceled since the last write.
func (e *Executor) checkpoint(ctx context.Context, j *job.Job, progress int, step job.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.Advance(progress, step, time.Now().UTC())
	if err := e.store.UpdateJob(ctx, j, job.StatusProcessing); err != nil {
		if errors.Is(err, docflow.ErrStatusConflict) {
			return errCanceled
		}
		return docflow.NewSystemError("store.progress", err)
	}
	e.extensions.EmitJobProgress(ctx, j)
	return nil
}

// isCanceled rereads j and reports whether it was canceled.
func (e *Executor) isCanceled(ctx context.Context, j *job.Job) (bool, error) {
	cur, err := e.store.GetJob(context.WithoutCancel(ctx), j.ID)
	if err != nil {
		return false, err
	}
	return cur.Status == job.StatusCanceled, nil
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	if err := j.Transition(job.StatusCompleted, time.Now().UTC()); err != nil {
		return err
	}
	j.LastError = ""

	if err := e.store.UpdateJob(ctx, j, job.StatusProcessing); err != nil {
		if errors.Is(err, docflow.ErrStatusConflict) {
			e.logger.Info("job canceled before completion was recorded",
				slog.String("job_id", j.ID.String()),
			)
			return nil
		}
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return docflow.NewSystemError("store.complete", err)
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// attemptPolicy returns the retry budget for j.
func (e *Executor) attemptPolicy(j *job.Job) backoff.Policy {
	p := e.policy
	if j.MaxAttempts > 0 {
		p.MaxAttempts = j.MaxAttempts
	}
	return p
}

// handleFailure either schedules a retry or fails the job.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, it queue.Item, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	j.LastError = runErr.Error()

	if convert.IsRecoverable(runErr) {
		if delay, ok := e.attemptPolicy(j).Next(j.Attempts); ok {
			return e.scheduleRetry(ctx, j, it.MaxConcurrency, runErr, delay)
		}
	}
	return e.fail(ctx, j, runErr)
}

// scheduleRetry keeps the job processing with step retrying and puts it
// back on the queue after delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, limit int, runErr error, delay time.Duration) error {
	now := time.Now().UTC()
	j.Progress = 0
	j.CurrentStep = job.StepRetrying
	j.UpdatedAt = now

	if err := e.store.UpdateJob(ctx, j, job.StatusProcessing); err != nil {
		if errors.Is(err, docflow.ErrStatusConflict) {
			return nil
		}
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return docflow.NewSystemError("store.retry", err)
	}

	if err := e.broker.Enqueue(ctx, ItemFor(j, limit, delay)); err != nil {
		// Left in step retrying; the reaper requeues it once stale.
		e.logger.Error("failed to requeue job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return docflow.NewSystemError("broker.enqueue", err)
	}

	nextRunAt := now.Add(delay)
	e.extensions.EmitJobRetrying(ctx, j, j.Attempts, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", e.attemptPolicy(j).MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", runErr.Error()),
	)
	return fmt.Errorf("job %s attempt %d: %w", j.ID, j.Attempts, runErr)
}

// fail marks the job as failed and emits JobFailed.
func (e *Executor) fail(ctx context.Context, j *job.Job, runErr error) error {
	if err := j.Transition(job.StatusFailed, time.Now().UTC()); err != nil {
		return err
	}
	j.ErrorMessage = runErr.Error()
	j.ErrorDetails = &job.ErrorDetails{
		Kind:        convert.Kind(runErr),
		Op:          opOf(runErr),
		Recoverable: convert.IsRecoverable(runErr),
		Attempt:     j.Attempts,
	}

	if err := e.store.UpdateJob(ctx, j, job.StatusProcessing); err != nil {
		if errors.Is(err, docflow.ErrStatusConflict) {
			return nil
		}
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return docflow.NewSystemError("store.fail", err)
	}

	e.extensions.EmitJobFailed(ctx, j, runErr)

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempts", j.Attempts),
		slog.String("error_kind", j.ErrorDetails.Kind),
		slog.String("error", runErr.Error()),
	)
	return runErr
}

func opOf(err error) string {
	var se *docflow.SystemError
	if errors.As(err, &se) {
		return se.Op
	}
	var ce *convert.Error
	if errors.As(err, &ce) {
		return "convert"
	}
	return ""
}

// ItemFor builds the queue item of j. limit is the tenant's concurrency
// ceiling carried to the gate; zero falls back to the ceiling stored on j.
func ItemFor(j *job.Job, limit int, delay time.Duration) queue.Item {
	if limit <= 0 {
		limit = j.MaxConcurrency
	}
	return queue.Item{
		JobID:          j.ID,
		TenantID:       j.OrganizationID,
		Priority:       j.Priority,
		MaxConcurrency: limit,
		Delay:          delay,
	}
}
