package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

// allHooksExt implements every lifecycle hook.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

func (e *allHooksExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobStarted")
	return nil
}

func (e *allHooksExt) OnJobProgress(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobProgress")
	return nil
}

func (e *allHooksExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnJobRetrying")
	return nil
}

func (e *allHooksExt) OnJobCanceled(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCanceled")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// submitOnlyExt only implements the submission hook.
type submitOnlyExt struct {
	calls []string
}

func (e *submitOnlyExt) Name() string { return "submit-only" }

func (e *submitOnlyExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func newJob() *job.Job {
	return &job.Job{ID: id.NewJobID(), OrganizationID: "org-a"}
}

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	so := &submitOnlyExt{}
	r.Register(all)
	r.Register(so)

	ctx := context.Background()
	j := newJob()

	r.EmitJobSubmitted(ctx, j)
	if len(all.calls) != 1 || len(so.calls) != 1 {
		t.Fatalf("after submit: all=%v so=%v", all.calls, so.calls)
	}

	r.EmitJobStarted(ctx, j)
	if len(all.calls) != 2 || all.calls[1] != "OnJobStarted" {
		t.Fatalf("all: expected OnJobStarted as 2nd, got %v", all.calls)
	}
	if len(so.calls) != 1 {
		t.Fatalf("so: should still have 1 call, got %v", so.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := newJob()

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobProgress(ctx, j)
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("fail"))
	r.EmitJobCanceled(ctx, j)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnJobSubmitted", "OnJobStarted", "OnJobProgress", "OnJobRetrying",
		"OnJobCompleted", "OnJobFailed", "OnJobCanceled", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	all := &allHooksExt{}
	r.Register(&failingExt{})
	r.Register(all)

	r.EmitJobSubmitted(context.Background(), newJob())

	if len(all.calls) != 1 {
		t.Fatalf("all: expected [OnJobSubmitted] despite failing ext, got %v", all.calls)
	}
	if !strings.Contains(buf.String(), "extension=failing") {
		t.Errorf("hook error not logged: %q", buf.String())
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()

	r.EmitJobSubmitted(ctx, &job.Job{})
	r.EmitJobStarted(ctx, &job.Job{})
	r.EmitJobProgress(ctx, &job.Job{})
	r.EmitJobCompleted(ctx, &job.Job{}, time.Second)
	r.EmitJobFailed(ctx, &job.Job{}, errors.New("x"))
	r.EmitJobRetrying(ctx, &job.Job{}, 1, time.Now())
	r.EmitJobCanceled(ctx, &job.Job{})
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	var order []string
	r.Register(orderExt{name: "first", order: &order})
	r.Register(orderExt{name: "second", order: &order})

	r.EmitJobCanceled(context.Background(), newJob())

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

type orderExt struct {
	name  string
	order *[]string
}

func (e orderExt) Name() string { return e.name }

func (e orderExt) OnJobCanceled(_ context.Context, _ *job.Job) error {
	*e.order = append(*e.order, e.name)
	return nil
}
