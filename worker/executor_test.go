package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/docflow/backoff"
	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/middleware"
	"github.com/xraph/docflow/queue"
	"github.com/xraph/docflow/storage"
	"github.com/xraph/docflow/store/memory"
	"github.com/xraph/docflow/worker"
)

const rtfInput = `{\rtf1\ansi {\b Hello} world}`

// recorder captures lifecycle hooks in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OnJobStarted(_ context.Context, _ *job.Job) error {
	r.add("started")
	return nil
}

func (r *recorder) OnJobProgress(_ context.Context, j *job.Job) error {
	r.add("progress:" + string(j.CurrentStep))
	return nil
}

func (r *recorder) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	r.add("completed")
	return nil
}

func (r *recorder) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	r.add("failed")
	return nil
}

func (r *recorder) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	r.add("retrying")
	return nil
}

type fixture struct {
	store    *memory.Store
	broker   *queue.MemoryBroker
	files    *storage.Local
	rec      *recorder
	executor *worker.Executor
	calls    atomic.Int32
}

func newFixture(t *testing.T, routine convert.Func, mws ...middleware.Middleware) *fixture {
	t.Helper()

	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	f := &fixture{
		store:  memory.New(),
		broker: queue.NewMemoryBroker(queue.WithPollInterval(10 * time.Millisecond)),
		files:  files,
		rec:    &recorder{},
	}
	t.Cleanup(func() { _ = f.broker.Close() })

	extensions := ext.NewRegistry(slog.Default())
	extensions.Register(f.rec)

	counted := convert.Func(func(ctx context.Context, content []byte, ct job.ConversionType, opts convert.Options) (*convert.Result, error) {
		f.calls.Add(1)
		return routine(ctx, content, ct, opts)
	})

	policy := backoff.Policy{MaxAttempts: 3, Strategy: backoff.NewConstant(10 * time.Millisecond)}
	f.executor = worker.NewExecutor(f.store, files, counted, f.broker, extensions, policy, slog.Default(), mws...)
	return f
}

// submit writes input and persists a pending job for it.
func (f *fixture) submit(t *testing.T, input string, maxAttempts int) *job.Job {
	t.Helper()

	ref := storage.InputRef("org-1", "report.rtf")
	full := filepath.Join(f.files.Root(), filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(input), 0o600); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:             id.NewJobID(),
		OrganizationID: "org-1",
		UserID:         "user-1",
		ConversionType: job.RTFToMarkdown,
		Priority:       job.PriorityNormal,
		InputFileName:  "report.rtf",
		InputFileSize:  int64(len(input)),
		InputPath:      ref,
		Status:         job.StatusPending,
		CurrentStep:    job.StepQueued,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func (f *fixture) get(t *testing.T, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func upper(_ context.Context, content []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
	return &convert.Result{Content: []byte(strings.ToUpper(string(content)))}, nil
}

func TestExecutor_Success(t *testing.T) {
	f := newFixture(t, upper)
	j := f.submit(t, rtfInput, 3)

	if err := f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := f.get(t, j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want %q", got.Status, job.StatusCompleted)
	}
	if got.Progress != 100 || got.CurrentStep != job.StepDone {
		t.Errorf("progress = %d step = %q, want 100 done", got.Progress, got.CurrentStep)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.OutputFileName != "report.md" {
		t.Errorf("output name = %q, want report.md", got.OutputFileName)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("expected started and completed timestamps")
	}

	out, err := f.files.Load(context.Background(), got.OutputPath)
	if err != nil {
		t.Fatalf("Load output: %v", err)
	}
	if string(out) != strings.ToUpper(rtfInput) {
		t.Errorf("output = %q", out)
	}
	if got.OutputFileHash != convert.Hash(out) {
		t.Errorf("output hash mismatch")
	}

	want := []string{
		"started",
		"progress:loading",
		"progress:validating",
		"progress:converting",
		"progress:saving",
		"progress:finalizing",
		"completed",
	}
	events := f.rec.snapshot()
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestExecutor_RecoverableFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, func(_ context.Context, _ []byte, ct job.ConversionType, _ convert.Options) (*convert.Result, error) {
		return nil, convert.Transient(ct, "converter busy", nil)
	})
	j := f.submit(t, rtfInput, 3)

	if err := f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0)); err == nil {
		t.Fatal("expected attempt error")
	}

	got := f.get(t, j.ID)
	if got.Status != job.StatusProcessing || got.CurrentStep != job.StepRetrying {
		t.Fatalf("status = %q step = %q, want processing retrying", got.Status, got.CurrentStep)
	}
	if got.Attempts != 1 || got.LastError == "" {
		t.Errorf("attempts = %d last error = %q", got.Attempts, got.LastError)
	}
	if got.Progress != 0 {
		t.Errorf("progress = %d, want reset to 0", got.Progress)
	}

	n, err := f.broker.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("queued = %d, want 1", n)
	}
}

func TestExecutor_RetryCapMarksFailed(t *testing.T) {
	f := newFixture(t, func(_ context.Context, _ []byte, ct job.ConversionType, _ convert.Options) (*convert.Result, error) {
		return nil, convert.Transient(ct, "converter busy", nil)
	})
	j := f.submit(t, rtfInput, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	it := worker.ItemFor(j, 0, 0)
	for attempt := 1; attempt <= 3; attempt++ {
		_ = f.executor.Execute(ctx, it)
		if attempt < 3 {
			next, err := f.broker.Dequeue(ctx, nil)
			if err != nil {
				t.Fatalf("Dequeue after attempt %d: %v", attempt, err)
			}
			it = next
		}
	}

	got := f.get(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Kind != job.ErrorKindConversion || got.ErrorDetails.Attempt != 3 {
		t.Errorf("error details = %+v", got.ErrorDetails)
	}
	if f.calls.Load() != 3 {
		t.Errorf("routine calls = %d, want 3", f.calls.Load())
	}

	// A stray duplicate delivery does not run a failed job again.
	_ = f.executor.Execute(ctx, it)
	if f.calls.Load() != 3 {
		t.Errorf("routine ran for a failed job")
	}
}

func TestExecutor_PermanentFailure(t *testing.T) {
	f := newFixture(t, func(_ context.Context, _ []byte, ct job.ConversionType, _ convert.Options) (*convert.Result, error) {
		return nil, convert.Permanent(ct, "corrupt document")
	})
	j := f.submit(t, rtfInput, 3)

	_ = f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0))

	got := f.get(t, j.ID)
	if got.Status != job.StatusFailed || got.Attempts != 1 {
		t.Fatalf("status = %q attempts = %d, want failed after 1", got.Status, got.Attempts)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Recoverable {
		t.Errorf("error details = %+v, want non-recoverable", got.ErrorDetails)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error message")
	}
}

func TestExecutor_SkipsUnclaimableJobs(t *testing.T) {
	tests := []struct {
		name   string
		status job.Status
		step   job.Step
	}{
		{"canceled", job.StatusCanceled, job.StepQueued},
		{"completed", job.StatusCompleted, job.StepDone},
		{"running elsewhere", job.StatusProcessing, job.StepConverting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, upper)
			j := f.submit(t, rtfInput, 3)

			j.Status = tt.status
			j.CurrentStep = tt.step
			if err := f.store.UpdateJob(context.Background(), j, job.StatusPending); err != nil {
				t.Fatal(err)
			}

			if err := f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0)); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if f.calls.Load() != 0 {
				t.Error("routine ran for an unclaimable job")
			}
			if got := f.get(t, j.ID); got.Status != tt.status {
				t.Errorf("status = %q, want %q", got.Status, tt.status)
			}
		})
	}
}

func TestExecutor_CancelDuringConversion(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(ctx context.Context, content []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
		// The owner cancels while the conversion runs.
		jobs, _, _ := f.store.ListJobs(ctx, "org-1", job.Filter{}, job.Page{})
		for _, j := range jobs {
			from := j.Status
			_ = j.Transition(job.StatusCanceled, time.Now().UTC())
			_ = f.store.UpdateJob(ctx, j, from)
		}
		return &convert.Result{Content: content}, nil
	})
	j := f.submit(t, rtfInput, 3)

	if err := f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := f.get(t, j.ID)
	if got.Status != job.StatusCanceled {
		t.Fatalf("status = %q, want canceled", got.Status)
	}
	if got.OutputPath != "" {
		t.Errorf("output saved for canceled job: %q", got.OutputPath)
	}
	for _, e := range f.rec.snapshot() {
		if e == "completed" || e == "failed" || e == "retrying" {
			t.Errorf("unexpected %s event for canceled job", e)
		}
	}
}

func TestExecutor_ValidationFailureIsRetried(t *testing.T) {
	f := newFixture(t, upper)
	j := f.submit(t, "plain text, not rtf", 3)

	_ = f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0))

	got := f.get(t, j.ID)
	if got.CurrentStep != job.StepRetrying {
		t.Errorf("step = %q, want retrying", got.CurrentStep)
	}
	if f.calls.Load() != 0 {
		t.Error("routine ran on invalid input")
	}
}

func TestExecutor_AttemptTimeout(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, _ []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, middleware.Timeout(20*time.Millisecond, slog.Default()))
	j := f.submit(t, rtfInput, 1)

	err := f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	got := f.get(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Kind != job.ErrorKindTimeout {
		t.Errorf("error details = %+v, want timeout", got.ErrorDetails)
	}
}

func TestExecutor_MissingInput(t *testing.T) {
	f := newFixture(t, upper)
	j := f.submit(t, rtfInput, 1)
	if err := os.Remove(filepath.Join(f.files.Root(), "inbox", "report.rtf")); err != nil {
		t.Fatal(err)
	}

	_ = f.executor.Execute(context.Background(), worker.ItemFor(j, 0, 0))

	got := f.get(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Kind != job.ErrorKindSystem || got.ErrorDetails.Op != "storage.load" {
		t.Errorf("error details = %+v", got.ErrorDetails)
	}
}
