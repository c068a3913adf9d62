// Package queue provides the durable work queue between submission and the
// worker pool.
//
// A [Broker] holds one sub-queue per tenant. Within a tenant, eligible items
// are served by priority rank (lower first), then eligibility time, then
// insertion order. Across tenants the broker scans round-robin so one busy
// tenant cannot starve the others.
//
// Dequeue takes a [Gate]. Before popping from a tenant's sub-queue the
// broker asks the gate for a slot; [Manager] implements the gate by capping
// each tenant's in-flight jobs at its MaxConcurrentJobs. The worker releases
// the slot when the job finishes.
package queue
