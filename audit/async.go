package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the default number of entries Async holds.
const DefaultBufferSize = 1024

// Async is a fire-and-forget Logger. Log enqueues and returns
// immediately; a background goroutine writes to the wrapped Logger.
type Async struct {
	next   Logger
	logger *slog.Logger

	ch      chan *Entry
	done    chan struct{}
	closing sync.Once

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ Logger = (*Async)(nil)

// NewAsync starts a dispatcher in front of next.
func NewAsync(next Logger, bufferSize int, logger *slog.Logger) *Async {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger,
		ch:     make(chan *Entry, bufferSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Log enqueues e without blocking. When the buffer is full or the
// dispatcher is closed the entry is dropped and a warning logged; Log
// itself never fails.
func (a *Async) Log(_ context.Context, e *Entry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.closed {
		select {
		case a.ch <- e:
			return nil
		default:
		}
	}

	a.dropped.Add(1)
	a.logger.Warn("audit entry dropped",
		slog.String("action", e.Action),
		slog.String("resource_id", e.ResourceID),
		slog.Bool("closed", a.closed),
	)
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		a.write(e)
	}
}

func (a *Async) write(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.next.Log(ctx, e); err != nil {
		a.failed.Add(1)
		a.logger.Warn("audit write failed",
			slog.String("action", e.Action),
			slog.String("resource_id", e.ResourceID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.written.Add(1)
}

// Close stops accepting entries and waits for buffered ones to be
// written or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.closing.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncStats is a snapshot of dispatcher counters.
type AsyncStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// Stats returns the dispatcher counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Written: a.written.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
		Pending: len(a.ch),
	}
}
