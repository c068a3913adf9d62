package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Broker)(nil)
	_ ext.JobSubmitted = (*Broker)(nil)
	_ ext.JobStarted   = (*Broker)(nil)
	_ ext.JobProgress  = (*Broker)(nil)
	_ ext.JobRetrying  = (*Broker)(nil)
	_ ext.JobCompleted = (*Broker)(nil)
	_ ext.JobFailed    = (*Broker)(nil)
	_ ext.JobCanceled  = (*Broker)(nil)
	_ ext.Shutdown     = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Broker fans lifecycle events out to subscribers via topic-based
// pub/sub. It implements the ext hooks to receive them.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewBroker creates a new progress broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:     NewTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "progress-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics. Release it with
// RemoveSubscriber.
func (b *Broker) Subscribe(topics ...string) *Subscriber {
	return b.SubscribeFiltered(nil, topics...)
}

// SubscribeFiltered is Subscribe with a delivery predicate.
func (b *Broker) SubscribeFiltered(filter func(Event) bool, topics ...string) *Subscriber {
	sub := NewSubscriber(id.NewSubscriberID().String(), b.bufferSize)
	sub.SetFilter(filter)
	b.subscribers.Store(sub.ID(), sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// OnProgress registers fn for every event published on topics (the
// firehose when none are given). fn runs on its own goroutine, so a
// slow callback only loses its own events. The returned function
// unregisters fn.
func (b *Broker) OnProgress(fn func(Event), topics ...string) func() {
	if len(topics) == 0 {
		topics = []string{TopicFirehose}
	}
	sub := b.Subscribe(topics...)

	go func() {
		for evt := range sub.C() {
			b.invoke(fn, evt)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.RemoveSubscriber(sub.ID()) })
	}
}

func (b *Broker) invoke(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("progress callback panicked",
				slog.String("job_id", evt.JobID),
				slog.String("event", string(evt.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	fn(evt)
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Publish broadcasts evt to all matching topics without blocking.
func (b *Broker) Publish(evt Event) {
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
	if dropped > 0 {
		b.totalDropped.Add(int64(dropped))
		b.logger.Warn("progress events dropped for slow subscribers",
			slog.String("job_id", evt.JobID),
			slog.String("event", string(evt.Type)),
			slog.Int("dropped", dropped),
		)
	}
}

// ── Lifecycle hooks ─────────────────────────────────

func (b *Broker) OnJobSubmitted(_ context.Context, j *job.Job) error {
	b.Publish(newEvent(EventSubmitted, j))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.Publish(newEvent(EventStarted, j))
	return nil
}

func (b *Broker) OnJobProgress(_ context.Context, j *job.Job) error {
	b.Publish(newEvent(EventProgress, j))
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	evt := newEvent(EventRetrying, j)
	evt.Attempt = attempt
	evt.Error = j.LastError
	next := nextRunAt.UTC()
	evt.NextRunAt = &next
	b.Publish(evt)
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	evt := newEvent(EventCompleted, j)
	evt.ElapsedMs = elapsed.Milliseconds()
	b.Publish(evt)
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	evt := newEvent(EventFailed, j)
	if jobErr != nil {
		evt.Error = jobErr.Error()
	}
	b.Publish(evt)
	return nil
}

func (b *Broker) OnJobCanceled(_ context.Context, j *job.Job) error {
	b.Publish(newEvent(EventCanceled, j))
	return nil
}

// OnShutdown closes every subscriber.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, _ any) bool {
		b.RemoveSubscriber(key.(string)) //nolint:errcheck // keys are subscriber IDs
		return true
	})
	b.logger.Info("progress broker shut down")
	return nil
}
