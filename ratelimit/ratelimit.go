// Package ratelimit enforces per-organization, per-user API call quotas
// with token buckets.
//
// Each (organization, user) pair gets a bucket whose capacity and refill
// rate both equal the tenant's MaxAPICallsPerMinute: a fresh bucket admits a
// burst of K calls, then refills at K per minute.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/tenant"
)

type bucket struct {
	limiter   *rate.Limiter
	perMinute int
}

// Limiter holds one token bucket per (organization, user). It is safe for
// concurrent use; each bucket decision is atomic.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(orgID, userID string) string { return orgID + "\x00" + userID }

// perMinuteLimit converts a calls-per-minute quota to a rate. Non-positive
// quotas disable limiting.
func perMinuteLimit(k int) rate.Limit {
	if k <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(k) / 60.0)
}

func (l *Limiter) bucketFor(t tenant.Context, userID string) *bucket {
	k := t.Limits().MaxAPICallsPerMinute
	l.mu.Lock()
	defer l.mu.Unlock()

	name := key(t.OrganizationID(), userID)
	b := l.buckets[name]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(perMinuteLimit(k), k), perMinute: k}
		l.buckets[name] = b
		return b
	}
	if b.perMinute != k {
		// Tier change: retune the bucket in place so spent tokens stay spent.
		now := l.now()
		b.limiter.SetLimitAt(now, perMinuteLimit(k))
		b.limiter.SetBurstAt(now, k)
		b.perMinute = k
	}
	return b
}

// TryAcquire takes one token from the caller's bucket. When the bucket is
// empty it returns false and the time until a token becomes available.
func (l *Limiter) TryAcquire(t tenant.Context, userID string) (bool, time.Duration) {
	b := l.bucketFor(t, userID)
	now := l.now()
	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, retryAfter(b.limiter, now)
}

// Acquire is TryAcquire returning a *docflow.RateLimitError on rejection.
func (l *Limiter) Acquire(t tenant.Context, userID string) error {
	ok, wait := l.TryAcquire(t, userID)
	if !ok {
		return &docflow.RateLimitError{RetryAfter: wait}
	}
	return nil
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func retryAfter(lim *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 || lim.Limit() <= 0 {
		return 0
	}
	secs := missing / float64(lim.Limit())
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}
