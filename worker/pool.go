package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/queue"
)

// Pool manages a set of concurrent worker goroutines that take jobs from
// the broker and execute them through the Executor.
type Pool struct {
	store       job.Store
	broker      queue.Broker
	executor    *Executor
	concurrency int
	workerID    id.WorkerID
	logger      *slog.Logger

	// Poll interval used to back off after broker errors.
	pollInterval time.Duration

	// Heartbeat / reaper configuration.
	heartbeatInterval time.Duration
	staleJobThreshold time.Duration

	// Per-tenant admission; nil admits everything.
	gate queue.Gate

	ctx        context.Context
	cancel     context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	stopped    bool
	activeJobs map[id.JobID]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long workers wait after a broker error.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool heartbeats active jobs and
// checks them for cancellation. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleJobThreshold sets the threshold after which active jobs without
// a write are considered stale and requeued. A zero value disables stale
// job reaping.
func WithStaleJobThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleJobThreshold = d }
}

// WithGate sets the per-tenant admission gate.
func WithGate(g queue.Gate) PoolOption {
	return func(p *Pool) { p.gate = g }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	broker queue.Broker,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:        store,
		broker:       broker,
		executor:     executor,
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[id.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately. A stopped
// pool cannot be restarted.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.staleJobThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Stops idle workers blocked in Dequeue; running attempts use their own
	// contexts.
	close(p.stopCh)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// Interrupt cancels the running attempt of jobID on this pool. It reports
// whether an attempt was running.
func (p *Pool) Interrupt(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	cancel, ok := p.activeJobs[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of attempts running on this pool.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		it, err := p.broker.Dequeue(p.ctx, p.gate)
		if err != nil {
			if errors.Is(err, docflow.ErrBrokerClosed) || p.ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		p.execute(it)
	}
}

// execute runs one dequeued item and releases its gate slot.
func (p *Pool) execute(it queue.Item) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(it.JobID, cancel)

	defer func() {
		p.untrackJob(it.JobID)
		cancel()
		if p.gate != nil {
			p.gate.Release(it.TenantID)
		}
	}()

	if err := p.executor.Execute(ctx, it); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", it.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop periodically sends heartbeats for all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

// sendHeartbeats refreshes active jobs and interrupts the ones whose
// persisted status says they were canceled, possibly by another process.
func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]id.JobID, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobID := range jobIDs {
		status, err := p.store.Heartbeat(context.Background(), jobID)
		if err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if status == job.StatusCanceled {
			p.logger.Info("interrupting canceled job", slog.String("job_id", jobID.String()))
			p.Interrupt(jobID)
		}
	}
}

// reaperLoop requeues stale jobs once at startup and then every
// staleJobThreshold.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	p.reapStaleJobs()

	ticker := time.NewTicker(p.staleJobThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

// reapStaleJobs puts jobs back on the queue that no worker is making
// progress on: processing jobs whose attempt stopped writing, and pending
// jobs whose queue entry was lost (a crash between persist and enqueue, or
// a restart over an in-memory broker). Brokers ignore items that are still
// queued, so a pending job that is merely waiting is unaffected.
func (p *Pool) reapStaleJobs() {
	ctx := context.Background()
	stale, err := p.store.ListStale(ctx, p.staleJobThreshold)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range stale {
		if p.tracking(j.ID) {
			continue
		}

		from := j.Status
		if from == job.StatusProcessing {
			j.CurrentStep = job.StepQueued
			j.Progress = 0
			j.HeartbeatAt = nil
		}
		j.UpdatedAt = time.Now().UTC()

		// The write doubles as a claim on the requeue: a worker or another
		// reaper that moved the job first makes it conflict.
		if err := p.store.UpdateJob(ctx, j, from); err != nil {
			if !errors.Is(err, docflow.ErrStatusConflict) {
				p.logger.Error("reap: failed to reset stale job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if err := p.broker.Enqueue(ctx, ItemFor(j, 0, 0)); err != nil {
			p.logger.Error("reap: failed to requeue stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		p.logger.Info("reaped stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("org_id", j.OrganizationID),
			slog.String("status", string(from)),
			slog.Int("attempts", j.Attempts),
			slog.Int("max_concurrency", j.MaxConcurrency),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) tracking(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.activeJobs[jobID]
	return ok
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID.String()))
		cancel()
	}
}
