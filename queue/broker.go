package queue

import (
	"context"
	"time"

	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

// Item is one unit of queued work.
type Item struct {
	JobID    id.JobID
	TenantID string
	Priority job.Priority

	// MaxConcurrency is the tenant's in-flight ceiling, passed to the gate.
	// Zero means unlimited.
	MaxConcurrency int

	// Delay postpones eligibility on Enqueue. Dequeued items report
	// EligibleAt instead.
	Delay      time.Duration
	EligibleAt time.Time
}

// Gate admits work per tenant.
type Gate interface {
	// Acquire takes a slot for tenantID if fewer than limit are in use.
	Acquire(tenantID string, limit int) bool
	// Release returns a slot taken by Acquire.
	Release(tenantID string)
}

// Broker is the contract for queue backends.
type Broker interface {
	// Enqueue adds an item, eligible after its Delay.
	Enqueue(ctx context.Context, it Item) error

	// Dequeue blocks until an eligible item is admitted by gate, then
	// removes and returns it. A nil gate admits everything.
	Dequeue(ctx context.Context, gate Gate) (Item, error)

	// Remove deletes a queued item. It reports false if the item was
	// already dequeued or never queued.
	Remove(ctx context.Context, jobID id.JobID) (bool, error)

	// Len returns the number of queued items, delayed ones included.
	Len(ctx context.Context) (int, error)

	// Close releases resources. Blocked Dequeue calls return
	// docflow.ErrBrokerClosed.
	Close() error
}

// Less orders two items of the same tenant.
func Less(a, b Item, seqA, seqB uint64) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	if !a.EligibleAt.Equal(b.EligibleAt) {
		return a.EligibleAt.Before(b.EligibleAt)
	}
	return seqA < seqB
}
