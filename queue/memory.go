package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
)

type entry struct {
	item  Item
	seq   uint64
	index int
	ready bool
}

type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	return Less(h[i].item, h[j].item, h[i].seq, h[j].seq)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].item.EligibleAt.Equal(h[j].item.EligibleAt) {
		return h[i].item.EligibleAt.Before(h[j].item.EligibleAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type tenantQueue struct {
	ready readyHeap
	count int // ready + delayed
}

// MemoryBroker is an in-process Broker. Gate admission and the pop happen
// under one lock, so a tenant can never be handed more items than its gate
// allows. Contents are lost on restart.
type MemoryBroker struct {
	mu      sync.Mutex
	tenants map[string]*tenantQueue
	order   []string
	cursor  int
	delayed delayHeap
	entries map[id.JobID]*entry
	seq     uint64
	notify  chan struct{}
	closed  bool

	pollInterval time.Duration
}

var _ Broker = (*MemoryBroker)(nil)

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithPollInterval sets how often a blocked Dequeue re-offers gated work to
// its gate.
func WithPollInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		tenants:      make(map[string]*tenantQueue),
		entries:      make(map[id.JobID]*entry),
		notify:       make(chan struct{}),
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// signal wakes every blocked Dequeue. Must hold b.mu.
func (b *MemoryBroker) signal() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Enqueue adds an item. Enqueueing a job that is already queued is a no-op.
func (b *MemoryBroker) Enqueue(_ context.Context, it Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return docflow.ErrBrokerClosed
	}
	if _, ok := b.entries[it.JobID]; ok {
		return nil
	}

	now := time.Now()
	it.EligibleAt = now.Add(it.Delay)
	it.Delay = 0

	b.seq++
	e := &entry{item: it, seq: b.seq}
	b.entries[it.JobID] = e

	tq := b.tenants[it.TenantID]
	if tq == nil {
		tq = &tenantQueue{}
		b.tenants[it.TenantID] = tq
		b.order = append(b.order, it.TenantID)
	}
	tq.count++

	if it.EligibleAt.After(now) {
		heap.Push(&b.delayed, e)
	} else {
		e.ready = true
		heap.Push(&tq.ready, e)
	}

	b.signal()
	return nil
}

// Dequeue blocks until an eligible item is admitted by gate.
func (b *MemoryBroker) Dequeue(ctx context.Context, gate Gate) (Item, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Item{}, docflow.ErrBrokerClosed
		}

		now := time.Now()
		b.promote(now)
		if it, ok := b.claim(gate); ok {
			b.mu.Unlock()
			return it, nil
		}

		wait := time.Duration(-1)
		if b.hasReady() {
			wait = b.pollInterval
		}
		if len(b.delayed) > 0 {
			d := b.delayed[0].item.EligibleAt.Sub(now)
			if wait < 0 || d < wait {
				wait = d
			}
		}
		notify := b.notify
		b.mu.Unlock()

		if err := sleep(ctx, notify, wait); err != nil {
			return Item{}, err
		}
	}
}

// sleep waits for wake, ctx, or wait to elapse. A negative wait blocks
// until wake or ctx.
func sleep(ctx context.Context, wake <-chan struct{}, wait time.Duration) error {
	var fire <-chan time.Time
	if wait >= 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		fire = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-fire:
	}
	return nil
}

// promote moves due delayed entries into their tenant's ready heap.
func (b *MemoryBroker) promote(now time.Time) {
	for len(b.delayed) > 0 && !b.delayed[0].item.EligibleAt.After(now) {
		e := heap.Pop(&b.delayed).(*entry)
		e.ready = true
		heap.Push(&b.tenants[e.item.TenantID].ready, e)
	}
}

func (b *MemoryBroker) hasReady() bool {
	for _, tq := range b.tenants {
		if len(tq.ready) > 0 {
			return true
		}
	}
	return false
}

// claim pops the head of the first admitted tenant, scanning round-robin
// from the cursor.
func (b *MemoryBroker) claim(gate Gate) (Item, bool) {
	n := len(b.order)
	for i := range n {
		pos := (b.cursor + i) % n
		tenantID := b.order[pos]
		tq := b.tenants[tenantID]
		if len(tq.ready) == 0 {
			continue
		}
		head := tq.ready[0]
		if gate != nil && !gate.Acquire(tenantID, head.item.MaxConcurrency) {
			continue
		}

		heap.Pop(&tq.ready)
		delete(b.entries, head.item.JobID)
		b.cursor = (pos + 1) % n
		b.forget(tenantID, tq)
		return head.item, true
	}
	return Item{}, false
}

// forget decrements a tenant's count and drops the tenant when empty.
func (b *MemoryBroker) forget(tenantID string, tq *tenantQueue) {
	tq.count--
	if tq.count > 0 {
		return
	}
	delete(b.tenants, tenantID)
	for i, t := range b.order {
		if t == tenantID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			if b.cursor > i {
				b.cursor--
			}
			break
		}
	}
	if len(b.order) == 0 || b.cursor >= len(b.order) {
		b.cursor = 0
	}
}

// Remove deletes a queued item.
func (b *MemoryBroker) Remove(_ context.Context, jobID id.JobID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[jobID]
	if !ok {
		return false, nil
	}
	tq := b.tenants[e.item.TenantID]
	if e.ready {
		heap.Remove(&tq.ready, e.index)
	} else {
		heap.Remove(&b.delayed, e.index)
	}
	delete(b.entries, jobID)
	b.forget(e.item.TenantID, tq)
	return true, nil
}

// Len returns the number of queued items.
func (b *MemoryBroker) Len(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries), nil
}

// Snapshot returns the queued item count of every tenant.
func (b *MemoryBroker) Snapshot() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.tenants))
	for t, tq := range b.tenants {
		out[t] = tq.count
	}
	return out
}

// Close wakes all blocked Dequeue calls and rejects further work.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signal()
	}
	return nil
}
