package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/api"
	"github.com/xraph/docflow/client"
	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/engine"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/queue"
	"github.com/xraph/docflow/storage"
	"github.com/xraph/docflow/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupClientTest serves the HTTP API of a memory-backed engine and returns
// the server URL and the storage root.
func setupClientTest(t *testing.T, routine convert.Func) (string, string) {
	t.Helper()

	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	broker := queue.NewMemoryBroker(queue.WithPollInterval(10 * time.Millisecond))

	cfg := docflow.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = -1
	cfg.StaleJobThreshold = -1

	eng, err := engine.New(memory.New(), broker, files, routine,
		engine.WithConfig(cfg),
		engine.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := httptest.NewServer(api.New(eng, testLogger()).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		_ = broker.Close()
	})
	return srv.URL, files.Root()
}

// put writes content as org's input file name and returns its reference.
func put(t *testing.T, root, org, name, content string) string {
	t.Helper()
	ref := storage.InputRef(org, name)
	full := filepath.Join(root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return ref
}

func echo(_ context.Context, content []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
	return &convert.Result{Content: content}, nil
}

func newClient(url, org, user, tier string) *client.Client {
	return client.New(url,
		client.WithIdentity(org, user, tier),
		client.WithLogger(testLogger()),
		client.WithPollInterval(10*time.Millisecond, 50*time.Millisecond),
	)
}

func TestClient_SubmitAndWait(t *testing.T) {
	url, root := setupClientTest(t, echo)
	ref := put(t, root, "org-1", "notes.md", "# Notes")

	c := newClient(url, "org-1", "user-1", "enterprise")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobID, err := c.Submit(ctx, ref, job.MarkdownToRTF, map[string]string{"font": "Arial"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID.Prefix() != id.PrefixJob {
		t.Errorf("job id prefix = %q", jobID.Prefix())
	}

	st, err := c.Wait(ctx, jobID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Status != job.StatusCompleted || st.OutputFileName != "notes.rtf" {
		t.Errorf("final status = %+v", st)
	}

	h, err := c.History(ctx, job.Filter{Status: job.StatusCompleted}, job.Page{Limit: 5})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.Total != 1 || h.Jobs[0].ID != jobID {
		t.Errorf("history = %+v", h)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued != 0 {
		t.Errorf("queued = %d, want 0", stats.Queued)
	}
}

func TestClient_DecodesTaxonomy(t *testing.T) {
	url, root := setupClientTest(t, echo)
	big := put(t, root, "org-b", "a.rtf", `{\rtf1 a}`)
	if err := os.Truncate(filepath.Join(root, filepath.FromSlash(big)), 11<<20); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	basic := newClient(url, "org-b", "bob", "basic")

	_, err := basic.Submit(ctx, big, job.RTFToMarkdown, nil)
	var resErr *docflow.ResourceLimitError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResourceLimitError, got %v", err)
	}
	if resErr.Limit != docflow.LimitFileSize || resErr.Allowed != 10 {
		t.Errorf("resource error = %+v", resErr)
	}

	if _, err := basic.Status(ctx, id.NewJobID()); !errors.Is(err, docflow.ErrJobNotFound) {
		t.Errorf("Status of unknown job: got %v, want ErrJobNotFound", err)
	}

	if _, err := basic.Submit(ctx, big, "pdf_to_md", nil); !errors.Is(err, docflow.ErrInvalidInput) {
		t.Errorf("bad conversion type: got %v, want ErrInvalidInput", err)
	}

	// Basic allows 10 calls a minute; the size check runs first and does
	// not consume the bucket, so use a small file.
	small := put(t, root, "org-b", "small.rtf", `{\rtf1 s}`)
	var rateErr *docflow.RateLimitError
	for range 12 {
		_, err = basic.Submit(ctx, small, job.RTFToMarkdown, nil)
		if errors.As(err, &rateErr) {
			break
		}
	}
	if rateErr == nil {
		t.Fatalf("expected RateLimitError, last error %v", err)
	}
	if rateErr.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %s, want at least 1s", rateErr.RetryAfter)
	}
}

func TestClient_CancelByOtherUser(t *testing.T) {
	block := make(chan struct{})
	url, root := setupClientTest(t, func(ctx context.Context, content []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &convert.Result{Content: content}, nil
	})
	t.Cleanup(func() { close(block) })
	ref := put(t, root, "org-c", "x.rtf", `{\rtf1 x}`)
	ctx := context.Background()

	owner := newClient(url, "org-c", "owner", "professional")
	jobID, err := owner.Submit(ctx, ref, job.RTFToMarkdown, nil)
	if err != nil {
		t.Fatal(err)
	}

	other := newClient(url, "org-c", "intruder", "professional")
	if err := other.Cancel(ctx, jobID); !errors.Is(err, docflow.ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}

	if err := owner.Cancel(ctx, jobID); err != nil {
		t.Fatalf("owner Cancel: %v", err)
	}
	if err := owner.Cancel(ctx, jobID); !errors.Is(err, docflow.ErrNotCancelable) {
		t.Errorf("got %v, want ErrNotCancelable", err)
	}
}

func TestClient_UnreachableIsSystemError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := client.New(url, client.WithHTTPClient(&http.Client{Timeout: time.Second}))
	if _, err := c.Stats(context.Background()); !errors.Is(err, docflow.ErrSystem) {
		t.Errorf("got %v, want ErrSystem", err)
	}
}

func TestClient_UnknownErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).Stats(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "gateway exploded" {
		t.Errorf("APIError = %+v", apiErr)
	}
}
