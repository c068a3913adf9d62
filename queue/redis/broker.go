// Package redis implements queue.Broker on Redis, so queued work survives
// process restarts and can be shared by several worker processes.
//
// Each tenant has a Sorted Set of eligible items scored by priority rank and
// eligibility time. Delayed items wait in a shared Sorted Set and are
// promoted by a Lua script on every poll. A worker claims an item by
// ZREM-ing it after its gate admits the tenant; only one ZREM can succeed.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisqueue.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/queue"
)

var _ queue.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPollInterval sets how often an idle Dequeue polls Redis.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithPromoteBatch caps how many delayed items one poll promotes.
func WithPromoteBatch(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.promoteBatch = n
		}
	}
}

// Broker is a Redis-backed queue.Broker.
type Broker struct {
	client       goredis.Cmdable
	logger       *slog.Logger
	pollInterval time.Duration
	promoteBatch int

	cursor    atomic.Uint64
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a Redis-backed broker. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		logger:       slog.Default(),
		pollInterval: 250 * time.Millisecond,
		promoteBatch: 100,
		closeCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) closed() bool {
	select {
	case <-b.closeCh:
		return true
	default:
		return false
	}
}

// Enqueue stores the item and adds it to the ready or delayed set.
// Enqueueing a job that is already queued is a no-op.
func (b *Broker) Enqueue(ctx context.Context, it queue.Item) error {
	if b.closed() {
		return docflow.ErrBrokerClosed
	}

	jid := it.JobID.String()
	eligible := time.Now().Add(it.Delay)
	delayed := "0"
	if it.Delay > 0 {
		delayed = "1"
	}

	keys := []string{itemKey(jid), readyKey(it.TenantID), delayedKey, tenantsKey}
	args := []any{
		jid,
		it.TenantID,
		string(it.Priority),
		it.MaxConcurrency,
		eligible.UnixMilli(),
		formatScore(readyScore(it.Priority, eligible)),
		delayed,
	}
	if err := enqueueScript.Run(ctx, b.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("docflow/redis: enqueue: %w", err)
	}
	return nil
}

// Dequeue polls until an eligible item is admitted by gate.
func (b *Broker) Dequeue(ctx context.Context, gate queue.Gate) (queue.Item, error) {
	for {
		if b.closed() {
			return queue.Item{}, docflow.ErrBrokerClosed
		}

		it, ok, err := b.tryDequeue(ctx, gate)
		if err != nil {
			if ctx.Err() != nil {
				return queue.Item{}, ctx.Err()
			}
			b.logger.Warn("redis queue poll failed", slog.String("error", err.Error()))
		}
		if ok {
			return it, nil
		}

		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return queue.Item{}, ctx.Err()
		case <-b.closeCh:
			timer.Stop()
			return queue.Item{}, docflow.ErrBrokerClosed
		case <-timer.C:
		}
	}
}

func (b *Broker) tryDequeue(ctx context.Context, gate queue.Gate) (queue.Item, bool, error) {
	now := time.Now().UnixMilli()
	err := promoteScript.Run(ctx, b.client,
		[]string{delayedKey, tenantsKey},
		now, b.promoteBatch, itemKeyPrefix, readyKeyPrefix,
	).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return queue.Item{}, false, fmt.Errorf("docflow/redis: promote: %w", err)
	}

	tenants, err := b.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return queue.Item{}, false, fmt.Errorf("docflow/redis: list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return queue.Item{}, false, nil
	}

	start := int(b.cursor.Add(1) % uint64(len(tenants)))
	for i := range tenants {
		tenantID := tenants[(start+i)%len(tenants)]
		it, ok, err := b.claim(ctx, tenantID, gate)
		if err != nil {
			return queue.Item{}, false, err
		}
		if ok {
			return it, true, nil
		}
	}
	return queue.Item{}, false, nil
}

// claim takes the head of one tenant's ready set if the gate admits it.
func (b *Broker) claim(ctx context.Context, tenantID string, gate queue.Gate) (queue.Item, bool, error) {
	rk := readyKey(tenantID)
	head, err := b.client.ZRange(ctx, rk, 0, 0).Result()
	if err != nil {
		return queue.Item{}, false, fmt.Errorf("docflow/redis: peek %s: %w", tenantID, err)
	}
	if len(head) == 0 {
		if err := pruneScript.Run(ctx, b.client, []string{rk, tenantsKey}, tenantID).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			return queue.Item{}, false, fmt.Errorf("docflow/redis: prune %s: %w", tenantID, err)
		}
		return queue.Item{}, false, nil
	}

	jid := head[0]
	fields, err := b.client.HGetAll(ctx, itemKey(jid)).Result()
	if err != nil {
		return queue.Item{}, false, fmt.Errorf("docflow/redis: read item: %w", err)
	}
	it, err := itemFromMap(jid, fields)
	if err != nil {
		// Orphaned member without a hash; drop it.
		b.client.ZRem(ctx, rk, jid)
		b.logger.Warn("dropped malformed queue item", slog.String("job_id", jid), slog.String("error", err.Error()))
		return queue.Item{}, false, nil
	}

	if gate != nil && !gate.Acquire(tenantID, it.MaxConcurrency) {
		return queue.Item{}, false, nil
	}

	removed, err := b.client.ZRem(ctx, rk, jid).Result()
	if err != nil || removed == 0 {
		if gate != nil {
			gate.Release(tenantID)
		}
		if err != nil {
			return queue.Item{}, false, fmt.Errorf("docflow/redis: claim: %w", err)
		}
		return queue.Item{}, false, nil
	}

	b.client.Del(ctx, itemKey(jid))
	return it, true, nil
}

// Remove deletes a queued item.
func (b *Broker) Remove(ctx context.Context, jobID id.JobID) (bool, error) {
	jid := jobID.String()
	n, err := removeScript.Run(ctx, b.client, []string{itemKey(jid), delayedKey}, jid, readyKeyPrefix).Int64()
	if err != nil {
		return false, fmt.Errorf("docflow/redis: remove: %w", err)
	}
	return n > 0, nil
}

// Len returns the number of queued items across all tenants.
func (b *Broker) Len(ctx context.Context) (int, error) {
	tenants, err := b.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("docflow/redis: len: %w", err)
	}

	pipe := b.client.Pipeline()
	cmds := make([]*goredis.IntCmd, 0, len(tenants)+1)
	for _, t := range tenants {
		cmds = append(cmds, pipe.ZCard(ctx, readyKey(t)))
	}
	cmds = append(cmds, pipe.ZCard(ctx, delayedKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("docflow/redis: len: %w", err)
	}

	total := 0
	for _, c := range cmds {
		total += int(c.Val())
	}
	return total, nil
}

// Close stops blocked Dequeue calls. The caller owns the Redis client.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	return nil
}

func itemFromMap(jid string, m map[string]string) (queue.Item, error) {
	tenantID, ok := m["tenant"]
	if !ok {
		return queue.Item{}, fmt.Errorf("item %s has no tenant", jid)
	}
	jobID, err := id.ParseJobID(jid)
	if err != nil {
		return queue.Item{}, err
	}
	limit, _ := strconv.Atoi(m["limit"])
	ms, _ := strconv.ParseInt(m["eligible"], 10, 64)

	return queue.Item{
		JobID:          jobID,
		TenantID:       tenantID,
		Priority:       job.Priority(m["priority"]),
		MaxConcurrency: limit,
		EligibleAt:     time.UnixMilli(ms),
	}, nil
}
