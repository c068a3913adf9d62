package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/job"
)

// Recover returns middleware that recovers from panics in the handler
// chain. A panic becomes a SystemError, so the attempt is retried.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("conversion attempt panicked",
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = docflow.NewSystemError("worker.panic", fmt.Errorf("panic in job %s: %v", j.ID, r))
			}
		}()
		return next(ctx)
	}
}
