package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/job"
)

// Remote converts documents through an HTTP conversion service.
//
// It POSTs the input as a multipart form to {baseURL}/convert/{type} with
// each option as a form field and expects the converted bytes in the
// response body. 400, 415 and 422 responses are permanent conversion
// errors; other failures are system errors and are retried.
type Remote struct {
	baseURL string
	client  *http.Client
}

var _ Routine = (*Remote)(nil)

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// NewRemote creates a Remote routine. Request lifetime is bounded by the
// caller's context.
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Convert implements Routine.
func (r *Remote) Convert(ctx context.Context, content []byte, ct job.ConversionType, opts Options) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", "input"+inputExt(ct))
	if err != nil {
		return nil, docflow.NewSystemError("convert.remote", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, docflow.NewSystemError("convert.remote", err)
	}
	for k, v := range opts {
		if err := writer.WriteField(k, v); err != nil {
			return nil, docflow.NewSystemError("convert.remote", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, docflow.NewSystemError("convert.remote", err)
	}

	endpoint := r.baseURL + "/convert/" + url.PathEscape(string(ct))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, docflow.NewSystemError("convert.remote", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, docflow.NewSystemError("convert.remote", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, docflow.NewSystemError("convert.remote", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return nil, Permanent(ct, fmt.Sprintf("rejected by converter (%d): %s", resp.StatusCode, truncate(out, 256)))
	default:
		return nil, docflow.NewSystemError("convert.remote",
			fmt.Errorf("converter returned status %d: %s", resp.StatusCode, truncate(out, 256)))
	}

	return &Result{
		Content:  out,
		FileName: resp.Header.Get("X-File-Name"),
		Metadata: map[string]string{"remote_ms": fmt.Sprint(time.Since(start).Milliseconds())},
	}, nil
}

func inputExt(ct job.ConversionType) string {
	if ct == job.MarkdownToRTF {
		return ".md"
	}
	return ".rtf"
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
