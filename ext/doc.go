// Package ext defines the extension system for docflow.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs or publishing progress.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Hooks
//
//   - [JobSubmitted]: job was persisted and enqueued
//   - [JobStarted]: a worker began an attempt
//   - [JobProgress]: a progress checkpoint was persisted
//   - [JobRetrying]: an attempt failed and the job was requeued
//   - [JobCompleted]: job finished successfully
//   - [JobFailed]: job failed terminally
//   - [JobCanceled]: job was canceled by its owner
//   - [Shutdown]: the engine is shutting down
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never propagate.
package ext
