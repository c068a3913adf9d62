// Package audit records an immutable trail of conversion-job activity.
//
// Writers implement [Logger]. The engine never calls a Logger on its own
// goroutine: the [Extension] turns lifecycle hooks into [Entry] values and
// hands them to an [Async] dispatcher, which buffers them and writes from
// a background goroutine. A full buffer drops the entry with a warning, so
// auditing can never fail or stall a submission or a job.
//
//	sink := audit.NewAsync(audit.NewSlogLogger(logger), 1024, logger)
//	registry.Register(audit.New(sink))
//
// # Selective filtering
//
//	audit.New(sink, audit.WithActions(audit.ActionJobFailed, audit.ActionJobCanceled))
package audit
