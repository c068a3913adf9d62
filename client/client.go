// Package client provides a Go client for a remote docflow service over its
// HTTP API.
//
// Usage:
//
//	c := client.New("https://docflow.example.com",
//	    client.WithIdentity("org-1", "user-1", "professional"),
//	)
//
//	jobID, err := c.Submit(ctx, "inputs/org-1/report.rtf", job.RTFToMarkdown, nil)
//	st, err := c.Wait(ctx, jobID)
//	fmt.Println(st.Status, st.OutputPath)
//
// Errors returned by the service are decoded back into the docflow error
// taxonomy, so errors.Is(err, docflow.ErrRateLimited) and errors.As with
// *docflow.ResourceLimitError work the same as in-process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/api"
)

// Client talks to a docflow HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	orgID  string
	userID string
	tier   string

	pollInterval    time.Duration
	maxPollInterval time.Duration
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{Timeout: 30 * time.Second},
		logger:          slog.Default(),
		pollInterval:    250 * time.Millisecond,
		maxPollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a service error outside the docflow taxonomy.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docflow/client: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("docflow/client: marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("docflow/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.orgID != "" {
		req.Header.Set(api.HeaderOrgID, c.orgID)
	}
	if c.userID != "" {
		req.Header.Set(api.HeaderUserID, c.userID)
	}
	if c.tier != "" {
		req.Header.Set(api.HeaderTier, c.tier)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return docflow.NewSystemError("client.request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("docflow/client: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error api.Problem `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Code == "" {
		return &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(raw))}
	}
	p := body.Error

	switch {
	case p.Code == "resource_limit":
		return &docflow.ResourceLimitError{Limit: p.Limit, Requested: p.Requested, Allowed: p.Allowed}
	case resp.StatusCode == http.StatusTooManyRequests:
		secs := p.RetryAfter
		if h, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			secs = h
		}
		return &docflow.RateLimitError{RetryAfter: time.Duration(secs) * time.Second}
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", docflow.ErrInvalidInput, p.Message)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", docflow.ErrJobNotFound, p.Message)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", docflow.ErrNotOwner, p.Message)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", docflow.ErrNotCancelable, p.Message)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return docflow.NewSystemError("remote", errors.New(p.Message))
	}
	return &APIError{StatusCode: resp.StatusCode, Code: p.Code, Message: p.Message}
}
