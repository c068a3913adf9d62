package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/middleware"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		return next(ctx)
	}
	want := errors.New("handler error")

	err := middleware.Chain(mw)(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	j := &job.Job{ID: id.NewJobID()}

	err := mw(context.Background(), j, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if !errors.Is(err, docflow.ErrSystem) {
		t.Errorf("panic error = %v, want a SystemError", err)
	}
	if !convert.IsRecoverable(err) {
		t.Error("a recovered panic should be retryable")
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	called := false

	err := mw(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}

func TestLogging_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		level   string
		message string
		extra   []string
	}{
		{"success", nil, "INFO", "conversion attempt succeeded", nil},
		{"canceled", context.Canceled, "INFO", "conversion attempt canceled", nil},
		{
			"permanent failure",
			convert.Permanent(job.MarkdownToRTF, "unterminated fence"),
			"WARN", "conversion attempt failed",
			[]string{"kind=conversion", "recoverable=false", "max_attempts=3"},
		},
		{
			"system failure",
			docflow.NewSystemError("storage.save", errors.New("disk full")),
			"WARN", "conversion attempt failed",
			[]string{"kind=system", "recoverable=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			j := &job.Job{ID: id.NewJobID(), ConversionType: job.MarkdownToRTF, Attempts: 1, MaxAttempts: 3}

			err := middleware.Logging(logger)(context.Background(), j, func(context.Context) error { return tt.err })
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != 2 {
				t.Fatalf("expected 2 log lines, got %q", buf.String())
			}
			last := lines[1]
			for _, want := range append([]string{"level=" + tt.level, tt.message, "job_id=" + j.ID.String()}, tt.extra...) {
				if !strings.Contains(last, want) {
					t.Errorf("log line %q does not contain %q", last, want)
				}
			}
		})
	}
}

func TestTimeout_ExceededBecomesTimeoutSystemError(t *testing.T) {
	mw := middleware.Timeout(20*time.Millisecond, slog.Default())
	j := &job.Job{ID: id.NewJobID(), Attempts: 1}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, docflow.ErrSystem) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want SystemError wrapping DeadlineExceeded", err)
	}
	if got := convert.Kind(err); got != job.ErrorKindTimeout {
		t.Errorf("Kind = %q, want %q", got, job.ErrorKindTimeout)
	}
	if !convert.IsRecoverable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestTimeout_ParentCancelPassesThrough(t *testing.T) {
	mw := middleware.Timeout(time.Minute, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mw(ctx, &job.Job{ID: id.NewJobID()}, func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, docflow.ErrSystem) {
		t.Errorf("err = %v, want bare context.Canceled", err)
	}
}

func TestTimeout_DisabledWhenZero(t *testing.T) {
	mw := middleware.Timeout(0, slog.Default())

	err := mw(context.Background(), &job.Job{ID: id.NewJobID()}, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTimeout_FastHandlerUnaffected(t *testing.T) {
	mw := middleware.Timeout(time.Second, slog.Default())
	want := convert.Permanent(job.RTFToMarkdown, "bad header")

	err := mw(context.Background(), &job.Job{ID: id.NewJobID()}, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the attempt context")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
