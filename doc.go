// Package docflow provides a tenant-aware scheduler for document conversion
// jobs. It accepts RTF and Markdown conversion requests from isolated
// tenants, enforces per-tenant and per-user limits, orders work by a derived
// priority, and executes it on a bounded worker pool with retries,
// cooperative cancellation, and progress reporting.
//
// Docflow is designed as a library. Import it, pick a job store, a broker,
// a storage backend and a conversion routine, and build an engine:
//
//	eng, err := engine.New(store, broker, files, routine,
//	    engine.WithConfig(docflow.DefaultConfig()),
//	    engine.WithLogger(logger),
//	)
//	jobID, err := eng.Submit(ctx, tenantCtx, "user-1", storage.InputRef(org, "report.rtf"),
//	    job.RTFToMarkdown, nil)
//
// # Architecture
//
// Submission and execution are two concurrency domains connected only by the
// durable broker and the job store. The engine validates, rate-limits,
// persists and enqueues on the request path; the worker pool dequeues,
// executes, persists outcomes and emits lifecycle events asynchronously.
//
// Job IDs are prefixed UUIDv7 strings ("cjob_..."), globally unique and
// K-sortable.
package docflow
