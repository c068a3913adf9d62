package middleware

import (
	"context"

	"github.com/xraph/docflow/job"
)

// Handler runs the checkpoints of a single attempt.
type Handler func(ctx context.Context) error

// Middleware decorates one attempt of j. Implementations call next unless
// they fail the attempt themselves.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain folds mws into one Middleware; mws[0] sees the attempt first.
//
//	Chain(Recover(l), Logging(l), Timeout(d)) runs Recover → Logging → Timeout → next
func Chain(mws ...Middleware) Middleware {
	if len(mws) == 0 {
		return func(ctx context.Context, _ *job.Job, next Handler) error {
			return next(ctx)
		}
	}
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return bind(mws, j, next)(ctx)
	}
}

// bind wraps next in mws from the inside out.
func bind(mws []Middleware, j *job.Job, next Handler) Handler {
	h := next
	for i := len(mws) - 1; i >= 0; i-- {
		m, inner := mws[i], h
		h = func(ctx context.Context) error { return m(ctx, j, inner) }
	}
	return h
}
