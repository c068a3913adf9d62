package tenant

import "context"

type ctxKey struct{}

// WithContext attaches t to ctx.
func WithContext(ctx context.Context, t Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext extracts the tenant attached by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	t, ok := ctx.Value(ctxKey{}).(Context)
	return t, ok && !t.IsZero()
}
