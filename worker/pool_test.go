package worker_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/queue"
	"github.com/xraph/docflow/worker"
)

func newTestPool(f *fixture, opts ...worker.PoolOption) *worker.Pool {
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithPollInterval(10 * time.Millisecond),
	}
	return worker.NewPool(f.store, f.broker, f.executor, slog.Default(), append(base, opts...)...)
}

func stopPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func waitStatus(t *testing.T, f *fixture, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		j := f.get(t, jobID)
		if j.Status == want {
			return j
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s, status = %q step = %q", want, j.Status, j.CurrentStep)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_StartStop(t *testing.T) {
	f := newFixture(t, upper)
	pool := newTestPool(f)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	stopPool(t, pool)

	// Double stop should be no-op.
	stopPool(t, pool)
}

func TestPool_ProcessesJob(t *testing.T) {
	f := newFixture(t, upper)
	pool := newTestPool(f)
	j := f.submit(t, rtfInput, 3)

	if err := f.broker.Enqueue(context.Background(), worker.ItemFor(j, 0, 0)); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer stopPool(t, pool)

	got := waitStatus(t, f, j.ID, job.StatusCompleted)
	if got.OutputPath == "" {
		t.Error("expected output path")
	}
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	var failures atomic.Int32
	f := newFixture(t, func(ctx context.Context, content []byte, ct job.ConversionType, opts convert.Options) (*convert.Result, error) {
		if failures.Add(1) <= 2 {
			return nil, convert.Transient(ct, "converter busy", nil)
		}
		return upper(ctx, content, ct, opts)
	})
	pool := newTestPool(f)
	j := f.submit(t, rtfInput, 3)

	if err := f.broker.Enqueue(context.Background(), worker.ItemFor(j, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopPool(t, pool)

	got := waitStatus(t, f, j.ID, job.StatusCompleted)
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
}

func TestPool_TenantConcurrencyGate(t *testing.T) {
	var running, peak atomic.Int32
	f := newFixture(t, func(ctx context.Context, content []byte, ct job.ConversionType, opts convert.Options) (*convert.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return upper(ctx, content, ct, opts)
	})
	pool := newTestPool(f, worker.WithPoolConcurrency(4), worker.WithGate(queue.NewManager()))

	var ids []id.JobID
	for range 4 {
		j := f.submit(t, rtfInput, 3)
		ids = append(ids, j.ID)
		if err := f.broker.Enqueue(context.Background(), worker.ItemFor(j, 1, 0)); err != nil {
			t.Fatal(err)
		}
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopPool(t, pool)

	for _, jid := range ids {
		waitStatus(t, f, jid, job.StatusCompleted)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrency = %d, want 1", p)
	}
}

func TestPool_HeartbeatInterruptsCanceledJob(t *testing.T) {
	started := make(chan struct{})
	returned := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
		close(started)
		<-ctx.Done()
		close(returned)
		return nil, ctx.Err()
	})
	pool := newTestPool(f, worker.WithHeartbeatInterval(20*time.Millisecond))
	j := f.submit(t, rtfInput, 3)

	if err := f.broker.Enqueue(context.Background(), worker.ItemFor(j, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopPool(t, pool)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("conversion never started")
	}

	// Cancel from "another process": only the persisted status changes.
	cur := f.get(t, j.ID)
	if err := cur.Transition(job.StatusCanceled, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateJob(context.Background(), cur, job.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("running attempt was not interrupted")
	}

	if got := f.get(t, j.ID); got.Status != job.StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
}

func TestPool_ReaperRequeuesStaleJob(t *testing.T) {
	f := newFixture(t, upper)
	pool := newTestPool(f, worker.WithStaleJobThreshold(50*time.Millisecond))
	j := f.submit(t, rtfInput, 3)

	// Simulate a worker that crashed mid-conversion an hour ago.
	old := time.Now().UTC().Add(-time.Hour)
	j.Status = job.StatusProcessing
	j.CurrentStep = job.StepConverting
	j.Attempts = 1
	j.StartedAt = &old
	j.UpdatedAt = old
	if err := f.store.UpdateJob(context.Background(), j, job.StatusPending); err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopPool(t, pool)

	got := waitStatus(t, f, j.ID, job.StatusCompleted)
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

// limitGate admits everything and records the ceilings it was asked about.
type limitGate struct {
	mu     sync.Mutex
	limits []int
}

func (g *limitGate) Acquire(_ string, limit int) bool {
	g.mu.Lock()
	g.limits = append(g.limits, limit)
	g.mu.Unlock()
	return true
}

func (g *limitGate) Release(string) {}

func (g *limitGate) seen() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.limits...)
}

func TestPool_ReaperRequeuesOrphanedPendingJob(t *testing.T) {
	f := newFixture(t, upper)
	gate := &limitGate{}
	pool := newTestPool(f,
		worker.WithStaleJobThreshold(50*time.Millisecond),
		worker.WithGate(gate),
	)

	// Persisted but never enqueued, as after a crash between the two or a
	// restart over an empty in-memory broker.
	j := f.submit(t, rtfInput, 3)
	j.MaxConcurrency = 2
	j.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := f.store.UpdateJob(context.Background(), j, job.StatusPending); err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopPool(t, pool)

	got := waitStatus(t, f, j.ID, job.StatusCompleted)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	limits := gate.seen()
	if len(limits) == 0 {
		t.Fatal("gate never consulted")
	}
	for _, l := range limits {
		if l != 2 {
			t.Errorf("gate limit = %d, want the stored ceiling 2", l)
		}
	}
}

func TestPool_ReaperIgnoresFreshPendingJob(t *testing.T) {
	f := newFixture(t, upper)
	pool := newTestPool(f, worker.WithStaleJobThreshold(time.Hour))
	j := f.submit(t, rtfInput, 3)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	stopPool(t, pool)

	if got := f.get(t, j.ID); got.Status != job.StatusPending || !got.UpdatedAt.Equal(j.UpdatedAt) {
		t.Errorf("fresh pending job touched: status %q updated %v", got.Status, got.UpdatedAt)
	}
	if n, _ := f.broker.Len(context.Background()); n != 0 {
		t.Errorf("queue holds %d items, want 0", n)
	}
}

func TestItemFor_FallsBackToStoredCeiling(t *testing.T) {
	t.Parallel()

	j := &job.Job{ID: id.NewJobID(), OrganizationID: "org-1", Priority: job.PriorityLow, MaxConcurrency: 4}
	tests := []struct {
		limit int
		want  int
	}{
		{0, 4},
		{7, 7},
	}
	for _, tt := range tests {
		it := worker.ItemFor(j, tt.limit, time.Second)
		if it.MaxConcurrency != tt.want {
			t.Errorf("ItemFor(limit %d).MaxConcurrency = %d, want %d", tt.limit, it.MaxConcurrency, tt.want)
		}
		if it.TenantID != "org-1" || it.Priority != job.PriorityLow || it.Delay != time.Second {
			t.Errorf("item = %+v", it)
		}
	}
}

func TestPool_Interrupt(t *testing.T) {
	f := newFixture(t, upper)
	pool := newTestPool(f)

	if pool.Interrupt(id.NewJobID()) {
		t.Error("Interrupt reported an attempt for an idle pool")
	}
	if pool.Active() != 0 {
		t.Errorf("Active = %d, want 0", pool.Active())
	}
}
