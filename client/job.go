package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xraph/docflow/api"
	"github.com/xraph/docflow/engine"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

// Submit requests a conversion of the file at fileRef.
func (c *Client) Submit(ctx context.Context, fileRef string, ct job.ConversionType, opts map[string]string) (id.JobID, error) {
	var resp api.SubmitJobResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", api.SubmitJobRequest{
		FileRef:        fileRef,
		ConversionType: string(ct),
		Options:        opts,
	}, &resp)
	if err != nil {
		return id.Nil, err
	}
	return resp.JobID, nil
}

// Status returns the current status of a job.
func (c *Client) Status(ctx context.Context, jobID id.JobID) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Cancel cancels a job owned by the client's user.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, nil)
}

// History lists the organization's jobs, newest first.
func (c *Client) History(ctx context.Context, f job.Filter, p job.Page) (*engine.History, error) {
	q := url.Values{}
	if f.UserID != "" {
		q.Set("user_id", f.UserID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.ConversionType != "" {
		q.Set("conversion_type", string(f.ConversionType))
	}
	if !f.CreatedAfter.IsZero() {
		q.Set("created_after", f.CreatedAfter.Format(time.RFC3339))
	}
	if !f.CreatedBefore.IsZero() {
		q.Set("created_before", f.CreatedBefore.Format(time.RFC3339))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}

	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var h engine.History
	if err := c.do(ctx, http.MethodGet, path, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats returns the service's queue and worker statistics.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var st engine.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Wait polls a job until it is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, jobID id.JobID) (*engine.Status, error) {
	interval := c.pollInterval
	for {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		c.logger.Debug("waiting for job",
			slog.String("job_id", jobID.String()),
			slog.String("status", string(st.Status)),
			slog.Int("progress", st.Progress),
		)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return st, ctx.Err()
		case <-t.C:
		}
		interval = min(interval*2, c.maxPollInterval)
	}
}
