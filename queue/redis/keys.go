package redis

import (
	"strconv"
	"time"

	"github.com/xraph/docflow/job"
)

// Redis key naming conventions for queue data.
// All keys are prefixed with "docflow:queue:" to avoid collisions.

const keyPrefix = "docflow:queue:"

// itemKeyPrefix + {jobID} is the Hash holding an item's tenant, priority,
// limit, eligibility and ready score.
const itemKeyPrefix = keyPrefix + "item:"

// readyKeyPrefix + {tenant} is the Sorted Set of a tenant's eligible items.
const readyKeyPrefix = keyPrefix + "ready:"

// delayedKey is the Sorted Set of not-yet-eligible items scored by
// eligibility time in milliseconds.
const delayedKey = keyPrefix + "delayed"

// tenantsKey is the Set of tenants that may have eligible items.
const tenantsKey = keyPrefix + "tenants"

func itemKey(jobID string) string { return itemKeyPrefix + jobID }

func readyKey(tenantID string) string { return readyKeyPrefix + tenantID }

// rankWeight separates priority ranks in the ready score. Millisecond
// timestamps stay below it until the year 2286.
const rankWeight = 1e13

// readyScore orders a tenant's eligible items by priority rank, then
// eligibility time. Members with equal scores fall back to lexical order,
// which for UUIDv7 job IDs is creation order.
func readyScore(p job.Priority, eligibleAt time.Time) float64 {
	return float64(p.Rank())*rankWeight + float64(eligibleAt.UnixMilli())
}

func formatScore(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
