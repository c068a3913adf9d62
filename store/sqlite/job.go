package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

const jobColumns = `
	id, organization_id, user_id, conversion_type, options, priority,
	input_file_name, input_file_size, input_file_hash, input_path,
	status, progress, current_step, attempts, max_attempts, last_error,
	output_file_name, output_file_size, output_file_hash, output_path,
	error_message, error_details,
	created_at, updated_at, started_at, completed_at, heartbeat_at,
	max_concurrency`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	opts, err := marshalOptions(j.Options)
	if err != nil {
		return fmt.Errorf("docflow/sqlite: create job: %w", err)
	}
	details, err := marshalDetails(j.ErrorDetails)
	if err != nil {
		return fmt.Errorf("docflow/sqlite: create job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO docflow_conversion_jobs (`+jobColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.OrganizationID, j.UserID, string(j.ConversionType), opts, string(j.Priority),
		j.InputFileName, j.InputFileSize, j.InputFileHash, j.InputPath,
		string(j.Status), j.Progress, string(j.CurrentStep), j.Attempts, j.MaxAttempts, j.LastError,
		j.OutputFileName, j.OutputFileSize, j.OutputFileHash, j.OutputPath,
		j.ErrorMessage, details,
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
		nullNanos(j.StartedAt), nullNanos(j.CompletedAt), nullNanos(j.HeartbeatAt),
		j.MaxConcurrency,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return docflow.ErrJobAlreadyExists
		}
		return fmt.Errorf("docflow/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM docflow_conversion_jobs WHERE id = ?`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, docflow.ErrJobNotFound
		}
		return nil, fmt.Errorf("docflow/sqlite: get job: %w", err)
	}
	return j, nil
}

// UpdateJob overwrites a job whose persisted status equals from.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, from job.Status) error {
	opts, err := marshalOptions(j.Options)
	if err != nil {
		return fmt.Errorf("docflow/sqlite: update job: %w", err)
	}
	details, err := marshalDetails(j.ErrorDetails)
	if err != nil {
		return fmt.Errorf("docflow/sqlite: update job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE docflow_conversion_jobs SET
			options = ?, priority = ?,
			status = ?, progress = ?, current_step = ?,
			attempts = ?, max_attempts = ?, last_error = ?,
			output_file_name = ?, output_file_size = ?,
			output_file_hash = ?, output_path = ?,
			error_message = ?, error_details = ?,
			updated_at = ?, started_at = ?, completed_at = ?, heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		opts, string(j.Priority),
		string(j.Status), j.Progress, string(j.CurrentStep),
		j.Attempts, j.MaxAttempts, j.LastError,
		j.OutputFileName, j.OutputFileSize,
		j.OutputFileHash, j.OutputPath,
		j.ErrorMessage, details,
		toNanos(j.UpdatedAt), nullNanos(j.StartedAt), nullNanos(j.CompletedAt), nullNanos(j.HeartbeatAt),
		j.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("docflow/sqlite: update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docflow/sqlite: update job: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docflow_conversion_jobs WHERE id = ?`, j.ID.String(),
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("docflow/sqlite: update job: %w", err)
	}
	if count == 0 {
		return docflow.ErrJobNotFound
	}
	return docflow.ErrStatusConflict
}

// CountActive returns the number of pending or processing jobs of orgID.
func (s *Store) CountActive(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM docflow_conversion_jobs
		WHERE organization_id = ? AND status IN ('pending', 'processing')`,
		orgID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("docflow/sqlite: count active: %w", err)
	}
	return n, nil
}

// ListJobs returns orgID's jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string, f job.Filter, p job.Page) ([]*job.Job, int64, error) {
	p = p.Normalize()
	where, args := filterWhere(orgID, f)

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docflow_conversion_jobs WHERE `+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("docflow/sqlite: count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM docflow_conversion_jobs WHERE `+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, p.Limit, p.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("docflow/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return jobs, total, nil
}

// AverageDuration returns the mean processing time of completed jobs of ct.
func (s *Store) AverageDuration(ctx context.Context, ct job.ConversionType) (time.Duration, int64, error) {
	var (
		avg sql.NullFloat64
		n   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(completed_at - started_at), COUNT(*)
		FROM docflow_conversion_jobs
		WHERE conversion_type = ?
		  AND status = 'completed'
		  AND started_at IS NOT NULL
		  AND completed_at > started_at`,
		string(ct),
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("docflow/sqlite: average duration: %w", err)
	}
	if !avg.Valid {
		return 0, n, nil
	}
	return time.Duration(avg.Float64), n, nil
}

// Heartbeat refreshes a processing job's heartbeat and returns its status.
func (s *Store) Heartbeat(ctx context.Context, jobID id.JobID) (job.Status, error) {
	now := toNanos(time.Now())
	var st string
	err := s.db.QueryRowContext(ctx, `
		UPDATE docflow_conversion_jobs SET
			heartbeat_at = CASE WHEN status = 'processing' THEN ? ELSE heartbeat_at END,
			updated_at   = CASE WHEN status = 'processing' THEN ? ELSE updated_at END
		WHERE id = ?
		RETURNING status`,
		now, now, jobID.String(),
	).Scan(&st)
	if err != nil {
		if isNoRows(err) {
			return "", docflow.ErrJobNotFound
		}
		return "", fmt.Errorf("docflow/sqlite: heartbeat: %w", err)
	}
	return job.Status(st), nil
}

// ListStale returns pending and processing jobs not written for longer
// than threshold.
func (s *Store) ListStale(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM docflow_conversion_jobs
		WHERE status IN ('pending', 'processing') AND updated_at < ?`,
		toNanos(time.Now().Add(-threshold)),
	)
	if err != nil {
		return nil, fmt.Errorf("docflow/sqlite: list stale: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                             job.Job
		idStr, ctStr, prStr           string
		statusStr, stepStr, opts      string
		details                       sql.NullString
		created, updated              int64
		started, completed, heartbeat sql.NullInt64
	)
	err := row.Scan(
		&idStr, &j.OrganizationID, &j.UserID, &ctStr, &opts, &prStr,
		&j.InputFileName, &j.InputFileSize, &j.InputFileHash, &j.InputPath,
		&statusStr, &j.Progress, &stepStr, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.OutputFileName, &j.OutputFileSize, &j.OutputFileHash, &j.OutputPath,
		&j.ErrorMessage, &details,
		&created, &updated, &started, &completed, &heartbeat,
		&j.MaxConcurrency,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("docflow/sqlite: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID
	j.ConversionType = job.ConversionType(ctStr)
	j.Priority = job.Priority(prStr)
	j.Status = job.Status(statusStr)
	j.CurrentStep = job.Step(stepStr)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.HeartbeatAt = timePtr(heartbeat)

	if opts != "" && opts != "{}" {
		if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
			return nil, fmt.Errorf("docflow/sqlite: decode options: %w", err)
		}
	}
	if details.Valid && details.String != "" {
		var d job.ErrorDetails
		if err := json.Unmarshal([]byte(details.String), &d); err != nil {
			return nil, fmt.Errorf("docflow/sqlite: decode error details: %w", err)
		}
		j.ErrorDetails = &d
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("docflow/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docflow/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}
