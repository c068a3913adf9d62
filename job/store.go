package job

import (
	"context"
	"time"

	"github.com/xraph/docflow/id"
)

// Filter narrows a job listing. Zero fields match everything.
type Filter struct {
	UserID         string
	Status         Status
	ConversionType ConversionType
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}

// Page controls pagination.
type Page struct {
	Limit  int
	Offset int
}

// Page size bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps the page to valid bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store defines the persistence contract for conversion jobs.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob overwrites the job row if its persisted status still equals
	// from. It returns docflow.ErrStatusConflict otherwise.
	UpdateJob(ctx context.Context, j *Job, from Status) error

	// CountActive returns the number of pending or processing jobs of an
	// organization.
	CountActive(ctx context.Context, orgID string) (int64, error)

	// ListJobs returns an organization's jobs, newest first, and the total
	// number of jobs matching the filter.
	ListJobs(ctx context.Context, orgID string, f Filter, p Page) ([]*Job, int64, error)

	// AverageDuration returns the mean processing time of completed jobs of
	// the given type and the number of samples it was computed from.
	AverageDuration(ctx context.Context, ct ConversionType) (time.Duration, int64, error)

	// Heartbeat refreshes the heartbeat of a processing job and returns its
	// persisted status. Jobs in other states are left untouched.
	Heartbeat(ctx context.Context, jobID id.JobID) (Status, error)

	// ListStale returns active (pending or processing) jobs not written for
	// longer than threshold.
	ListStale(ctx context.Context, threshold time.Duration) ([]*Job, error)
}
