package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/job"
)

// Timeout returns middleware that bounds each attempt to d. When the
// deadline fires the handler's error is replaced by a SystemError wrapping
// context.DeadlineExceeded, which the worker retries and records as a
// timeout. d <= 0 disables the bound.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(attemptCtx)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			logger.Warn("conversion attempt timed out",
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.Attempts),
				slog.Duration("timeout", d),
			)
			return docflow.NewSystemError("attempt.timeout",
				fmt.Errorf("attempt exceeded %s: %w", d, context.DeadlineExceeded))
		}
		return err
	}
}
