// Package policy derives a job's scheduling priority and start delay from
// its tenant's tier and its input size.
package policy

import (
	"time"

	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/tenant"
)

// Decision is the scheduling outcome for one submission.
type Decision struct {
	Priority job.Priority
	Delay    time.Duration
}

// BusinessHours is a half-open [Start, End) range of wall-clock hours,
// evaluated in the location of the time passed to Decide.
type BusinessHours struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// DefaultBusinessHours is 09:00 to 17:00.
var DefaultBusinessHours = BusinessHours{Start: 9, End: 17}

// Contains reports whether t falls within business hours.
func (b BusinessHours) Contains(t time.Time) bool {
	h := t.Hour()
	return h >= b.Start && h < b.End
}

type priorityRule struct {
	threshold int64 // bytes; files strictly below it get small
	small     job.Priority
	large     job.Priority
}

var priorityRules = map[tenant.Tier]priorityRule{
	tenant.TierEnterprise:   {threshold: 0, small: job.PriorityHigh, large: job.PriorityHigh},
	tenant.TierProfessional: {threshold: 10 * tenant.MB, small: job.PriorityHigh, large: job.PriorityNormal},
	tenant.TierBasic:        {threshold: 5 * tenant.MB, small: job.PriorityNormal, large: job.PriorityLow},
}

type delayKind int

const (
	delayNone delayKind = iota
	delayBusinessHours
	delayAlways
)

type delayRule struct {
	kind   delayKind
	amount time.Duration
}

var delayRules = map[tenant.Tier]delayRule{
	tenant.TierEnterprise:   {kind: delayNone},
	tenant.TierProfessional: {kind: delayBusinessHours, amount: time.Second},
	tenant.TierBasic:        {kind: delayAlways, amount: 5 * time.Second},
}

// Policy evaluates the tier tables. The zero value uses DefaultBusinessHours.
type Policy struct {
	Hours BusinessHours
}

// Decide returns the priority and delay for a file of size bytes submitted
// at now. Unknown tiers are scheduled as basic.
func (p Policy) Decide(tier tenant.Tier, size int64, now time.Time) Decision {
	hours := p.Hours
	if hours == (BusinessHours{}) {
		hours = DefaultBusinessHours
	}

	pr, ok := priorityRules[tier]
	if !ok {
		pr = priorityRules[tenant.TierBasic]
	}
	d := Decision{Priority: pr.large}
	if size < pr.threshold {
		d.Priority = pr.small
	}

	dr, ok := delayRules[tier]
	if !ok {
		dr = delayRules[tenant.TierBasic]
	}
	switch dr.kind {
	case delayAlways:
		d.Delay = dr.amount
	case delayBusinessHours:
		if hours.Contains(now) {
			d.Delay = dr.amount
		}
	}
	return d
}

// Decide evaluates the default policy.
func Decide(tier tenant.Tier, size int64, now time.Time) Decision {
	return Policy{}.Decide(tier, size, now)
}
