// Package storetest provides the behavioral test suite shared by all
// store.Store backends.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/store"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Lifecycle", testLifecycle},
		{"CreateGet", testCreateGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetMissing", testGetMissing},
		{"UpdateConditional", testUpdateConditional},
		{"CountActive", testCountActive},
		{"ListJobs", testListJobs},
		{"AverageDuration", testAverageDuration},
		{"Heartbeat", testHeartbeat},
		{"ListStale", testListStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Now is truncated to the coarsest precision any backend keeps.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NewJob returns a pending job for orgID created at createdAt.
func NewJob(orgID, userID string, createdAt time.Time) *job.Job {
	return &job.Job{
		ID:             id.NewJobID(),
		OrganizationID: orgID,
		UserID:         userID,
		ConversionType: job.RTFToMarkdown,
		Options:        map[string]string{"tables": "gfm"},
		Priority:       job.PriorityNormal,
		MaxConcurrency: 5,
		InputFileName:  "report.rtf",
		InputFileSize:  2048,
		InputFileHash:  "abc",
		InputPath:      "inbox/report.rtf",
		Status:         job.StatusPending,
		CurrentStep:    job.StepQueued,
		MaxAttempts:    3,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func mustCreate(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate (idempotent): %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("org-a", "u1", Now())
	mustCreate(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != j.ID || got.OrganizationID != "org-a" || got.UserID != "u1" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Status != job.StatusPending || got.Priority != job.PriorityNormal || got.ConversionType != job.RTFToMarkdown {
		t.Errorf("state mismatch: %+v", got)
	}
	if got.InputFileSize != 2048 || got.InputPath != "inbox/report.rtf" || got.InputFileHash != "abc" {
		t.Errorf("input mismatch: %+v", got)
	}
	if got.Options["tables"] != "gfm" {
		t.Errorf("options = %v", got.Options)
	}
	if got.MaxConcurrency != 5 {
		t.Errorf("MaxConcurrency = %d, want 5", got.MaxConcurrency)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, j.CreatedAt)
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.ErrorDetails != nil {
		t.Errorf("unexpected optional fields: %+v", got)
	}

	// Returned jobs are copies.
	got.Status = job.StatusFailed
	again, _ := s.GetJob(ctx, j.ID)
	if again.Status != job.StatusPending {
		t.Error("mutating a returned job changed the store")
	}
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	j := NewJob("org-a", "u1", Now())
	mustCreate(t, s, j)
	if err := s.CreateJob(context.Background(), j); !errors.Is(err, docflow.ErrJobAlreadyExists) {
		t.Errorf("duplicate CreateJob = %v", err)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, docflow.ErrJobNotFound) {
		t.Errorf("GetJob missing = %v", err)
	}
}

func testUpdateConditional(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("org-a", "u1", Now())
	mustCreate(t, s, j)

	start := Now()
	if err := j.Transition(job.StatusProcessing, start); err != nil {
		t.Fatal(err)
	}
	j.Attempts = 1
	j.Advance(30, job.StepConverting, start)
	if err := s.UpdateJob(ctx, j, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	// Stale expectation.
	stale := j.Clone()
	stale.Progress = 10
	if err := s.UpdateJob(ctx, stale, job.StatusPending); !errors.Is(err, docflow.ErrStatusConflict) {
		t.Errorf("stale UpdateJob = %v, want ErrStatusConflict", err)
	}

	done := start.Add(2 * time.Second)
	if err := j.Transition(job.StatusFailed, done); err != nil {
		t.Fatal(err)
	}
	j.ErrorMessage = "boom"
	j.ErrorDetails = &job.ErrorDetails{Kind: job.ErrorKindSystem, Op: "storage.load", Recoverable: true, Attempt: 1}
	if err := s.UpdateJob(ctx, j, job.StatusProcessing); err != nil {
		t.Fatalf("UpdateJob to failed: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusFailed || got.Progress != 30 || got.Attempts != 1 || got.ErrorMessage != "boom" {
		t.Errorf("after update: %+v", got)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Op != "storage.load" || !got.ErrorDetails.Recoverable {
		t.Errorf("ErrorDetails = %+v", got.ErrorDetails)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) || got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("timestamps: started %v completed %v", got.StartedAt, got.CompletedAt)
	}

	missing := NewJob("org-a", "u1", Now())
	if err := s.UpdateJob(ctx, missing, job.StatusPending); !errors.Is(err, docflow.ErrJobNotFound) {
		t.Errorf("UpdateJob missing = %v", err)
	}
}

func testCountActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	statuses := []job.Status{job.StatusPending, job.StatusProcessing, job.StatusCompleted, job.StatusFailed, job.StatusCanceled, job.StatusPending}
	for _, st := range statuses {
		j := NewJob("org-a", "u1", Now())
		j.Status = st
		mustCreate(t, s, j)
	}
	mustCreate(t, s, NewJob("org-b", "u1", Now()))

	n, err := s.CountActive(ctx, "org-a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountActive(org-a) = %d, want 3", n)
	}
	if n, _ := s.CountActive(ctx, "org-c"); n != 0 {
		t.Errorf("CountActive(org-c) = %d", n)
	}
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := Now().Add(-time.Hour)

	var ids []id.JobID
	for i := range 5 {
		j := NewJob("org-a", "u1", base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			j.UserID = "u2"
			j.ConversionType = job.MarkdownToRTF
		}
		if i == 0 {
			j.Status = job.StatusCompleted
		}
		mustCreate(t, s, j)
		ids = append(ids, j.ID)
	}
	mustCreate(t, s, NewJob("org-b", "u1", base))

	all, total, err := s.ListJobs(ctx, "org-a", job.Filter{}, job.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(all) != 5 {
		t.Fatalf("total = %d len = %d", total, len(all))
	}
	if all[0].ID != ids[4] || all[4].ID != ids[0] {
		t.Error("expected newest first")
	}

	page, total, err := s.ListJobs(ctx, "org-a", job.Filter{}, job.Page{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Errorf("page = %d items, total %d", len(page), total)
	}

	filters := []struct {
		name string
		f    job.Filter
		want int64
	}{
		{"user", job.Filter{UserID: "u2"}, 1},
		{"status", job.Filter{Status: job.StatusCompleted}, 1},
		{"type", job.Filter{ConversionType: job.MarkdownToRTF}, 1},
		{"after", job.Filter{CreatedAfter: base.Add(90 * time.Second)}, 3},
		{"before", job.Filter{CreatedBefore: base.Add(90 * time.Second)}, 2},
	}
	for _, ft := range filters {
		_, n, err := s.ListJobs(ctx, "org-a", ft.f, job.Page{})
		if err != nil {
			t.Fatalf("%s: %v", ft.name, err)
		}
		if n != ft.want {
			t.Errorf("%s: total = %d, want %d", ft.name, n, ft.want)
		}
	}

	empty, total, err := s.ListJobs(ctx, "org-a", job.Filter{}, job.Page{Offset: 50})
	if err != nil || len(empty) != 0 || total != 5 {
		t.Errorf("past end = %d items, total %d, err %v", len(empty), total, err)
	}
}

func testAverageDuration(t *testing.T, s store.Store) {
	ctx := context.Background()

	if d, n, err := s.AverageDuration(ctx, job.RTFToMarkdown); err != nil || d != 0 || n != 0 {
		t.Fatalf("empty AverageDuration = %v, %d, %v", d, n, err)
	}

	start := Now().Add(-time.Hour)
	for _, secs := range []int{2, 4} {
		j := NewJob("org-a", "u1", start)
		j.Status = job.StatusCompleted
		began := start
		ended := start.Add(time.Duration(secs) * time.Second)
		j.StartedAt = &began
		j.CompletedAt = &ended
		mustCreate(t, s, j)
	}
	failed := NewJob("org-a", "u1", start)
	failed.Status = job.StatusFailed
	began, ended := start, start.Add(time.Minute)
	failed.StartedAt, failed.CompletedAt = &began, &ended
	mustCreate(t, s, failed)

	d, n, err := s.AverageDuration(ctx, job.RTFToMarkdown)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || d < 2900*time.Millisecond || d > 3100*time.Millisecond {
		t.Errorf("AverageDuration = %v over %d samples, want 3s over 2", d, n)
	}
}

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("org-a", "u1", Now())
	j.Status = job.StatusProcessing
	mustCreate(t, s, j)

	st, err := s.Heartbeat(ctx, j.ID)
	if err != nil || st != job.StatusProcessing {
		t.Fatalf("Heartbeat = %s, %v", st, err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.HeartbeatAt == nil {
		t.Error("HeartbeatAt not set")
	}

	c := NewJob("org-a", "u1", Now())
	c.Status = job.StatusCanceled
	mustCreate(t, s, c)
	if st, err := s.Heartbeat(ctx, c.ID); err != nil || st != job.StatusCanceled {
		t.Errorf("Heartbeat canceled = %s, %v", st, err)
	}
	got, _ = s.GetJob(ctx, c.ID)
	if got.HeartbeatAt != nil {
		t.Error("heartbeat must not touch a terminal job")
	}

	if _, err := s.Heartbeat(ctx, id.NewJobID()); !errors.Is(err, docflow.ErrJobNotFound) {
		t.Errorf("Heartbeat missing = %v", err)
	}
}

func testListStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := Now().Add(-10 * time.Minute)

	stale := NewJob("org-a", "u1", old)
	stale.Status = job.StatusProcessing
	mustCreate(t, s, stale)

	fresh := NewJob("org-a", "u1", Now())
	fresh.Status = job.StatusProcessing
	mustCreate(t, s, fresh)

	orphan := NewJob("org-a", "u1", old)
	mustCreate(t, s, orphan)

	queued := NewJob("org-a", "u1", Now())
	mustCreate(t, s, queued)

	done := NewJob("org-a", "u1", old)
	done.Status = job.StatusCompleted
	mustCreate(t, s, done)

	got, err := s.ListStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ids := make(map[id.JobID]job.Status, len(got))
	for _, j := range got {
		ids[j.ID] = j.Status
	}
	if len(got) != 2 || ids[stale.ID] != job.StatusProcessing || ids[orphan.ID] != job.StatusPending {
		t.Errorf("ListStale = %v, want the stale processing and orphaned pending jobs", ids)
	}
}
