package redis

import (
	"testing"
	"time"

	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

func TestReadyScoreOrdering(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	highLate := readyScore(job.PriorityHigh, base.Add(time.Hour))
	normalEarly := readyScore(job.PriorityNormal, base)
	normalLate := readyScore(job.PriorityNormal, base.Add(time.Millisecond))
	low := readyScore(job.PriorityLow, base.Add(-time.Hour))

	if !(highLate < normalEarly && normalEarly < normalLate && normalLate < low) {
		t.Errorf("scores out of order: %v %v %v %v", highLate, normalEarly, normalLate, low)
	}
}

func TestReadyScoreExact(t *testing.T) {
	at := time.UnixMilli(1_767_225_600_123)
	got := formatScore(readyScore(job.PriorityLow, at))
	if got != "101767225600123" {
		t.Errorf("score = %s", got)
	}
}

func TestKeys(t *testing.T) {
	if itemKey("cjob_x") != "docflow:queue:item:cjob_x" {
		t.Error(itemKey("cjob_x"))
	}
	if readyKey("org-1") != "docflow:queue:ready:org-1" {
		t.Error(readyKey("org-1"))
	}
}

func TestItemFromMap(t *testing.T) {
	jid := id.NewJobID()
	it, err := itemFromMap(jid.String(), map[string]string{
		"tenant":   "org-1",
		"priority": "high",
		"limit":    "5",
		"eligible": "1767225600123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if it.JobID != jid || it.TenantID != "org-1" || it.Priority != job.PriorityHigh || it.MaxConcurrency != 5 {
		t.Errorf("item = %+v", it)
	}
	if it.EligibleAt.UnixMilli() != 1767225600123 {
		t.Errorf("eligible = %v", it.EligibleAt)
	}

	if _, err := itemFromMap(jid.String(), map[string]string{}); err == nil {
		t.Error("expected error for missing tenant")
	}
}
