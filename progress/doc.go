// Package progress is the publish/subscribe channel that carries job
// lifecycle and progress events from the worker pool to any number of
// observers (status API, logs, metrics).
//
// The [Broker] is an ext.Extension: registered on the engine's extension
// registry it turns lifecycle hooks into [Event] values and fans them out
// to subscribers by topic. Delivery never blocks the publisher: each
// subscriber owns a bounded buffer and an event that does not fit is
// dropped and counted.
//
// Topics:
//
//	firehose       every event
//	org:<orgID>    events for one tenant
//	job:<jobID>    events for one job
//
// [Broker.OnProgress] adapts the channel to a callback, running it on a
// dedicated goroutine per registration.
package progress
