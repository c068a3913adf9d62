// Package middleware provides composable middleware for conversion attempts.
//
// A [Middleware] wraps the handler that runs one attempt of a job
// (load, validate, convert, save). Middleware are composed with [Chain];
// the first middleware in the slice is the outermost wrapper.
//
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Timeout(5*time.Minute, logger),
//	)
//
// # Built-in Middleware
//
//   - [Logging]: logs attempt start, duration and outcome
//   - [Recover]: turns panics into retryable system errors
//   - [Timeout]: bounds each attempt's wall-clock time
//   - [Tracing]: wraps the attempt in an OpenTelemetry span
//   - [Metrics]: records attempt duration and outcome counters
package middleware
