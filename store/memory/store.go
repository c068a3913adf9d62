// Package memory provides an in-memory store.Store for development and
// testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	"github.com/xraph/docflow/store"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Jobs are copied on the way in and out.
type Store struct {
	mu   sync.RWMutex
	jobs map[id.JobID]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[id.JobID]*job.Job)}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return docflow.ErrJobAlreadyExists
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, docflow.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob overwrites a job whose persisted status equals from.
func (m *Store) UpdateJob(_ context.Context, j *job.Job, from job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID]
	if !ok {
		return docflow.ErrJobNotFound
	}
	if cur.Status != from {
		return docflow.ErrStatusConflict
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// CountActive returns the number of pending or processing jobs of orgID.
func (m *Store) CountActive(_ context.Context, orgID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if j.OrganizationID == orgID && j.Status.Active() {
			n++
		}
	}
	return n, nil
}

// ListJobs returns orgID's jobs matching f, newest first.
func (m *Store) ListJobs(_ context.Context, orgID string, f job.Filter, p job.Page) ([]*job.Job, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = p.Normalize()
	var matched []*job.Job
	for _, j := range m.jobs {
		if j.OrganizationID == orgID && matches(j, f) {
			matched = append(matched, j)
		}
	}

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() > matched[b].ID.String()
	})

	total := int64(len(matched))
	if p.Offset >= len(matched) {
		return []*job.Job{}, total, nil
	}
	end := p.Offset + p.Limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*job.Job, 0, end-p.Offset)
	for _, j := range matched[p.Offset:end] {
		out = append(out, j.Clone())
	}
	return out, total, nil
}

func matches(j *job.Job, f job.Filter) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.ConversionType != "" && j.ConversionType != f.ConversionType {
		return false
	}
	if !f.CreatedAfter.IsZero() && !j.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// AverageDuration returns the mean processing time of completed jobs of ct.
func (m *Store) AverageDuration(_ context.Context, ct job.ConversionType) (time.Duration, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum time.Duration
	var n int64
	for _, j := range m.jobs {
		if j.ConversionType != ct || j.Status != job.StatusCompleted {
			continue
		}
		if d := j.Elapsed(); d > 0 {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / time.Duration(n), n, nil
}

// Heartbeat refreshes a processing job's heartbeat and returns its status.
func (m *Store) Heartbeat(_ context.Context, jobID id.JobID) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return "", docflow.ErrJobNotFound
	}
	if j.Status == job.StatusProcessing {
		now := time.Now().UTC()
		j.HeartbeatAt = &now
		j.UpdatedAt = now
	}
	return j.Status, nil
}

// ListStale returns active jobs not written for longer than threshold.
func (m *Store) ListStale(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status.Active() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}
