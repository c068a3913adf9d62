package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
		return fmt.Errorf("docflow/postgres: create job: %w", err)
	}
	details, err := marshalDetails(j.ErrorDetails)
	if err != nil {
		return fmt.Errorf("docflow/postgres: create job: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO docflow_conversion_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22,
			$23, $24, $25, $26, $27,
			$28
		)`,
		j.ID.String(), j.OrganizationID, j.UserID, string(j.ConversionType), opts, string(j.Priority),
		j.InputFileName, j.InputFileSize, j.InputFileHash, j.InputPath,
		string(j.Status), j.Progress, string(j.CurrentStep), j.Attempts, j.MaxAttempts, j.LastError,
		j.OutputFileName, j.OutputFileSize, j.OutputFileHash, j.OutputPath,
		j.ErrorMessage, details,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		j.MaxConcurrency,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return docflow.ErrJobAlreadyExists
		}
		return fmt.Errorf("docflow/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM docflow_conversion_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, docflow.ErrJobNotFound
		}
		return nil, fmt.Errorf("docflow/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob overwrites a job whose persisted status equals from.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, from job.Status) error {
	opts, err := marshalOptions(j.Options)
	if err != nil {
		return fmt.Errorf("docflow/postgres: update job: %w", err)
	}
	details, err := marshalDetails(j.ErrorDetails)
	if err != nil {
		return fmt.Errorf("docflow/postgres: update job: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE docflow_conversion_jobs SET
			options = $2, priority = $3,
			status = $4, progress = $5, current_step = $6,
			attempts = $7, max_attempts = $8, last_error = $9,
			output_file_name = $10, output_file_size = $11,
			output_file_hash = $12, output_path = $13,
			error_message = $14, error_details = $15,
			updated_at = $16, started_at = $17, completed_at = $18, heartbeat_at = $19
		WHERE id = $1 AND status = $20`,
		j.ID.String(), opts, string(j.Priority),
		string(j.Status), j.Progress, string(j.CurrentStep),
		j.Attempts, j.MaxAttempts, j.LastError,
		j.OutputFileName, j.OutputFileSize,
		j.OutputFileHash, j.OutputPath,
		j.ErrorMessage, details,
		j.UpdatedAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("docflow/postgres: update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM docflow_conversion_jobs WHERE id = $1)`,
		j.ID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("docflow/postgres: update job: %w", err)
	}
	if !exists {
		return docflow.ErrJobNotFound
	}
	return docflow.ErrStatusConflict
}

// CountActive returns the number of pending or processing jobs of orgID.
func (s *Store) CountActive(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM docflow_conversion_jobs
		WHERE organization_id = $1 AND status IN ('pending', 'processing')`,
		orgID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("docflow/postgres: count active: %w", err)
	}
	return n, nil
}

// ListJobs returns orgID's jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string, f job.Filter, p job.Page) ([]*job.Job, int64, error) {
	p = p.Normalize()
	w := filterWhere(orgID, f)

	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM docflow_conversion_jobs WHERE `+w.sql(),
		w.args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("docflow/postgres: count jobs: %w", err)
	}

	args := append(w.args, p.Limit, p.Offset)
	query := fmt.Sprintf(
		`SELECT %s FROM docflow_conversion_jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, w.sql(), len(args)-1, len(args),
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("docflow/postgres: list jobs: %w", err)
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
		secs float64
		n    int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)::float8, COUNT(*)
		FROM docflow_conversion_jobs
		WHERE conversion_type = $1
		  AND status = 'completed'
		  AND started_at IS NOT NULL
		  AND completed_at > started_at`,
		string(ct),
	).Scan(&secs, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("docflow/postgres: average duration: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), n, nil
}

// Heartbeat refreshes a processing job's heartbeat and returns its status.
func (s *Store) Heartbeat(ctx context.Context, jobID id.JobID) (job.Status, error) {
	var st string
	err := s.pool.QueryRow(ctx, `
		UPDATE docflow_conversion_jobs SET
			heartbeat_at = CASE WHEN status = 'processing' THEN NOW() ELSE heartbeat_at END,
			updated_at   = CASE WHEN status = 'processing' THEN NOW() ELSE updated_at END
		WHERE id = $1
		RETURNING status`,
		jobID.String(),
	).Scan(&st)
	if err != nil {
		if isNoRows(err) {
			return "", docflow.ErrJobNotFound
		}
		return "", fmt.Errorf("docflow/postgres: heartbeat: %w", err)
	}
	return job.Status(st), nil
}

// ListStale returns pending and processing jobs not written for longer
// than threshold.
func (s *Store) ListStale(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM docflow_conversion_jobs
		WHERE status IN ('pending', 'processing') AND updated_at < $1`,
		time.Now().UTC().Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("docflow/postgres: list stale: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                     job.Job
		idStr, ctStr, prStr   string
		statusStr, stepStr    string
		optsJSON, detailsJSON []byte
	)
	err := row.Scan(
		&idStr, &j.OrganizationID, &j.UserID, &ctStr, &optsJSON, &prStr,
		&j.InputFileName, &j.InputFileSize, &j.InputFileHash, &j.InputPath,
		&statusStr, &j.Progress, &stepStr, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.OutputFileName, &j.OutputFileSize, &j.OutputFileHash, &j.OutputPath,
		&j.ErrorMessage, &detailsJSON,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		&j.MaxConcurrency,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("docflow/postgres: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID
	j.ConversionType = job.ConversionType(ctStr)
	j.Priority = job.Priority(prStr)
	j.Status = job.Status(statusStr)
	j.CurrentStep = job.Step(stepStr)

	if len(optsJSON) > 0 {
		if err := json.Unmarshal(optsJSON, &j.Options); err != nil {
			return nil, fmt.Errorf("docflow/postgres: decode options: %w", err)
		}
		if len(j.Options) == 0 {
			j.Options = nil
		}
	}
	if len(detailsJSON) > 0 {
		var d job.ErrorDetails
		if err := json.Unmarshal(detailsJSON, &d); err != nil {
			return nil, fmt.Errorf("docflow/postgres: decode error details: %w", err)
		}
		j.ErrorDetails = &d
	}

	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("docflow/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docflow/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
