// Package engine is the tenant-aware conversion service. It composes the
// limit policy, rate limiter, job store, broker, worker pool and progress
// broker behind five operations: Submit, GetStatus, Cancel, GetHistory and
// OnProgress.
//
// The engine package sits above all subsystem packages and below the
// application layer (the HTTP API and the daemon).
//
// # Building an Engine
//
//	eng, err := engine.New(pgStore, redisBroker, s3Storage, remoteRoutine,
//	    engine.WithConfig(cfg),
//	    engine.WithLogger(logger),
//	    engine.WithAuditLogger(auditSink),
//	    engine.WithExtension(myExtension),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
// # Submitting Work
//
//	jobID, err := eng.Submit(ctx, tenantCtx, "user-1", storage.InputRef(org, "report.rtf"),
//	    job.RTFToMarkdown, map[string]string{"tables": "gfm"})
//
// The file reference must lie in the organization's inputs
// ("inputs/<org>/...") or in the outputs of its own jobs; any other
// reference is rejected as invalid input before storage is touched.
//
// Submission errors are synchronous: [docflow.ResourceLimitError],
// [docflow.RateLimitError], or an invalid input. Execution errors never
// surface to the submitter; they are recorded on the job.
//
// # Options
//
//   - [WithConfig] sets pool, retry, timeout and buffer settings
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a middleware to the attempt chain
//   - [WithAuditLogger] sets the audit sink
//   - [WithPolicy] overrides business hours
//   - [WithTracerProvider] and [WithMeterProvider] set OpenTelemetry providers
package engine
