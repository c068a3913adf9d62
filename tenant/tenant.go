// Package tenant defines subscription tiers, their resource limits, and the
// immutable per-request tenant context.
package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is a subscription tier name.
type Tier string

// Supported tiers.
const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("tenant: unknown tier %q", s)
	}
	return t, nil
}

// Limits are the resource ceilings of a subscription.
type Limits struct {
	MaxFileSizeMB        int64 `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxConcurrentJobs    int   `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	MaxAPICallsPerMinute int   `json:"max_api_calls_per_minute" yaml:"max_api_calls_per_minute"`
}

// MaxFileSizeBytes returns MaxFileSizeMB in bytes.
func (l Limits) MaxFileSizeBytes() int64 { return l.MaxFileSizeMB * MB }

// MB is the byte size used for all file size thresholds.
const MB int64 = 1024 * 1024

var defaultLimits = map[Tier]Limits{
	TierBasic:        {MaxFileSizeMB: 10, MaxConcurrentJobs: 1, MaxAPICallsPerMinute: 10},
	TierProfessional: {MaxFileSizeMB: 50, MaxConcurrentJobs: 5, MaxAPICallsPerMinute: 60},
	TierEnterprise:   {MaxFileSizeMB: 200, MaxConcurrentJobs: 50, MaxAPICallsPerMinute: 600},
}

// DefaultLimits returns the stock limits for t. Unknown tiers get the
// basic limits.
func DefaultLimits(t Tier) Limits {
	if l, ok := defaultLimits[t]; ok {
		return l
	}
	return defaultLimits[TierBasic]
}

// Subscription is a tier together with its limits.
type Subscription struct {
	Tier   Tier   `json:"tier" yaml:"tier"`
	Limits Limits `json:"limits" yaml:"limits"`
}

// DefaultSubscription returns t with its stock limits.
func DefaultSubscription(t Tier) Subscription {
	return Subscription{Tier: t, Limits: DefaultLimits(t)}
}

// Context identifies the organization a request acts for. It is immutable
// and safe to share between goroutines.
type Context struct {
	orgID string
	sub   Subscription
}

// ErrInvalidContext is returned when a tenant context cannot be built.
var ErrInvalidContext = errors.New("tenant: invalid context")

// New builds a tenant context. Zero limits are filled from the tier's
// defaults; negative limits are rejected.
func New(orgID string, sub Subscription) (Context, error) {
	if strings.TrimSpace(orgID) == "" {
		return Context{}, fmt.Errorf("%w: empty organization id", ErrInvalidContext)
	}
	if !sub.Tier.Valid() {
		return Context{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidContext, sub.Tier)
	}

	def := DefaultLimits(sub.Tier)
	l := sub.Limits
	if l.MaxFileSizeMB == 0 {
		l.MaxFileSizeMB = def.MaxFileSizeMB
	}
	if l.MaxConcurrentJobs == 0 {
		l.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if l.MaxAPICallsPerMinute == 0 {
		l.MaxAPICallsPerMinute = def.MaxAPICallsPerMinute
	}
	if l.MaxFileSizeMB < 0 || l.MaxConcurrentJobs < 0 || l.MaxAPICallsPerMinute < 0 {
		return Context{}, fmt.Errorf("%w: negative limit", ErrInvalidContext)
	}

	return Context{orgID: orgID, sub: Subscription{Tier: sub.Tier, Limits: l}}, nil
}

// MustNew is like New but panics on error.
func MustNew(orgID string, sub Subscription) Context {
	c, err := New(orgID, sub)
	if err != nil {
		panic(err)
	}
	return c
}

// OrganizationID returns the tenant's organization identifier.
func (c Context) OrganizationID() string { return c.orgID }

// Subscription returns the tenant's subscription.
func (c Context) Subscription() Subscription { return c.sub }

// Tier returns the tenant's subscription tier.
func (c Context) Tier() Tier { return c.sub.Tier }

// Limits returns the tenant's resource limits.
func (c Context) Limits() Limits { return c.sub.Limits }

// IsZero reports whether c was never initialized.
func (c Context) IsZero() bool { return c.orgID == "" }
