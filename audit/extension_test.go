package audit_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/docflow/audit"
	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

// mockSink captures audit entries for verification.
type mockSink struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (m *mockSink) Log(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockSink) last() *audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:             id.NewJobID(),
		OrganizationID: "org-1",
		UserID:         "user-1",
		ConversionType: job.RTFToMarkdown,
		Priority:       job.PriorityHigh,
		InputFileName:  "report.rtf",
		InputFileSize:  2048,
		Attempts:       2,
	}
}

func TestExtension_RegistersAllHooks(t *testing.T) {
	sink := &mockSink{}
	r := ext.NewRegistry(slog.Default())
	r.Register(audit.New(sink))

	ctx := context.Background()
	j := newTestJob()
	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("boom"))
	r.EmitJobCanceled(ctx, j)

	if got := sink.count(); got != len(audit.AllActions()) {
		t.Fatalf("recorded %d entries, want %d", got, len(audit.AllActions()))
	}
	for i, want := range audit.AllActions() {
		if got := sink.entries[i].Action; got != want {
			t.Errorf("entry[%d].Action = %q, want %q", i, got, want)
		}
	}
}

func TestExtension_SubmittedEntry(t *testing.T) {
	sink := &mockSink{}
	e := audit.New(sink)
	j := newTestJob()

	if err := e.OnJobSubmitted(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	got := sink.last()
	if got.ResourceType != audit.ResourceConversionJob || got.ResourceID != j.ID.String() {
		t.Errorf("resource = %s/%s", got.ResourceType, got.ResourceID)
	}
	if got.OrganizationID != "org-1" || got.UserID != "user-1" {
		t.Errorf("ownership = %s/%s", got.OrganizationID, got.UserID)
	}
	if got.ID.IsNil() || got.Timestamp.IsZero() {
		t.Error("entry missing id or timestamp")
	}
	if got.Details["priority"] != "high" || got.Details["file_size"] != int64(2048) {
		t.Errorf("details = %v", got.Details)
	}
}

func TestExtension_FailedEntryCarriesReason(t *testing.T) {
	sink := &mockSink{}
	e := audit.New(sink)
	j := newTestJob()
	j.ErrorDetails = &job.ErrorDetails{Kind: job.ErrorKindConversion, Recoverable: false}

	_ = e.OnJobFailed(context.Background(), j, errors.New("bad rtf header"))

	got := sink.last()
	if got.Severity != audit.SeverityCritical || got.Outcome != audit.OutcomeFailure {
		t.Errorf("severity/outcome = %s/%s", got.Severity, got.Outcome)
	}
	if got.Reason != "bad rtf header" {
		t.Errorf("Reason = %q", got.Reason)
	}
	if got.Details["error_kind"] != job.ErrorKindConversion {
		t.Errorf("details = %v", got.Details)
	}
}

func TestExtension_CompletedEntryProcessingTime(t *testing.T) {
	sink := &mockSink{}
	e := audit.New(sink)

	_ = e.OnJobCompleted(context.Background(), newTestJob(), 2500*time.Millisecond)

	if got := sink.last().Details["processing_ms"]; got != int64(2500) {
		t.Errorf("processing_ms = %v", got)
	}
}

func TestExtension_WithActionsFilters(t *testing.T) {
	sink := &mockSink{}
	e := audit.New(sink, audit.WithActions(audit.ActionJobFailed))
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobSubmitted(ctx, j)
	_ = e.OnJobCompleted(ctx, j, time.Second)
	if sink.count() != 0 {
		t.Fatalf("filtered actions recorded: %d", sink.count())
	}

	_ = e.OnJobFailed(ctx, j, errors.New("x"))
	if sink.count() != 1 {
		t.Errorf("enabled action not recorded")
	}
}

func TestExtension_SinkErrorSwallowed(t *testing.T) {
	sink := &mockSink{err: errors.New("audit store down")}
	e := audit.New(sink)

	if err := e.OnJobSubmitted(context.Background(), newTestJob()); err != nil {
		t.Errorf("hook returned %v, audit failures must not propagate", err)
	}
}

func TestExtension_ShutdownClosesAsync(t *testing.T) {
	sink := &mockSink{}
	async := audit.NewAsync(sink, 16, slog.Default())
	e := audit.New(async)

	_ = e.OnJobCanceled(context.Background(), newTestJob())
	if err := e.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Errorf("entry not flushed on shutdown, count = %d", sink.count())
	}
}
