package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/job"
)

// Logging returns middleware that logs attempt start and outcome. Failures
// are logged at Warn with their error kind and whether they will be retried
// within the budget; canceled attempts at Info.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		l := logger.With(
			slog.String("job_id", j.ID.String()),
			slog.String("org_id", j.OrganizationID),
			slog.Int("attempt", j.Attempts),
		)
		l.Info("conversion attempt started",
			slog.String("conversion_type", string(j.ConversionType)),
			slog.String("priority", string(j.Priority)),
			slog.Int64("input_size", j.InputFileSize),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := slog.Duration("elapsed", time.Since(start))

		switch outcome := Outcome(err); outcome {
		case OutcomeOK:
			l.Info("conversion attempt succeeded", elapsed)
		case OutcomeCanceled:
			l.Info("conversion attempt canceled", elapsed)
		default:
			l.Warn("conversion attempt failed",
				elapsed,
				slog.String("kind", outcome),
				slog.Bool("recoverable", convert.IsRecoverable(err)),
				slog.Int("max_attempts", j.MaxAttempts),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
}
