package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
)

// Status represents the lifecycle status of a conversion job.
type Status string

const (
	// StatusPending means the job is queued and has not started.
	StatusPending Status = "pending"
	// StatusProcessing means an attempt is running or a retry is scheduled.
	StatusProcessing Status = "processing"
	// StatusCompleted means the conversion succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed and will not be retried.
	StatusFailed Status = "failed"
	// StatusCanceled means the job was canceled by its owner.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Active reports whether s counts toward a tenant's concurrency limit.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCanceled
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted ||
			next == StatusFailed || next == StatusCanceled
	default:
		return false
	}
}

// ConversionType is the requested conversion direction.
type ConversionType string

const (
	RTFToMarkdown ConversionType = "rtf_to_md"
	MarkdownToRTF ConversionType = "md_to_rtf"
)

// Valid reports whether ct is a supported conversion.
func (ct ConversionType) Valid() bool {
	return ct == RTFToMarkdown || ct == MarkdownToRTF
}

// OutputExt returns the file extension produced by ct, including the dot.
func (ct ConversionType) OutputExt() string {
	if ct == MarkdownToRTF {
		return ".rtf"
	}
	return ".md"
}

// ParseConversionType parses a conversion type name.
func ParseConversionType(s string) (ConversionType, error) {
	ct := ConversionType(strings.ToLower(strings.TrimSpace(s)))
	if !ct.Valid() {
		return "", fmt.Errorf("%w: unknown conversion type %q", docflow.ErrInvalidInput, s)
	}
	return ct, nil
}

// Priority is the scheduling class derived at submission.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric priority used for queue ordering. Lower ranks
// are served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// PriorityFromRank is the inverse of Priority.Rank.
func PriorityFromRank(r int) Priority {
	switch {
	case r <= 1:
		return PriorityHigh
	case r >= 10:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Step names the phase a job is in. It is informational.
type Step string

const (
	StepQueued     Step = "queued"
	StepLoading    Step = "loading"
	StepValidating Step = "validating"
	StepConverting Step = "converting"
	StepSaving     Step = "saving"
	StepFinalizing Step = "finalizing"
	StepRetrying   Step = "retrying"
	StepDone       Step = "done"
)

// ErrorDetails describes why a job failed.
type ErrorDetails struct {
	Kind        string `json:"kind"`
	Op          string `json:"op,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Attempt     int    `json:"attempt"`
}

// Error kinds recorded in ErrorDetails.
const (
	ErrorKindConversion = "conversion"
	ErrorKindSystem     = "system"
	ErrorKindTimeout    = "timeout"
)

// Job is a single request to convert one document for one tenant.
type Job struct {
	ID             id.JobID          `json:"id"`
	OrganizationID string            `json:"organization_id"`
	UserID         string            `json:"user_id"`
	ConversionType ConversionType    `json:"conversion_type"`
	Options        map[string]string `json:"options,omitempty"`
	Priority       Priority          `json:"priority"`

	// MaxConcurrency is the tenant's concurrency ceiling at submission,
	// reused when the job is requeued. Zero means unknown.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	InputFileName string `json:"input_file_name"`
	InputFileSize int64  `json:"input_file_size"`
	InputFileHash string `json:"input_file_hash,omitempty"`
	InputPath     string `json:"input_path"`

	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep Step   `json:"current_step"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	OutputFileName string `json:"output_file_name,omitempty"`
	OutputFileSize int64  `json:"output_file_size,omitempty"`
	OutputFileHash string `json:"output_file_hash,omitempty"`
	OutputPath     string `json:"output_path,omitempty"`

	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorDetails *ErrorDetails `json:"error_details,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Options != nil {
		cp.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			cp.Options[k] = v
		}
	}
	if j.ErrorDetails != nil {
		d := *j.ErrorDetails
		cp.ErrorDetails = &d
	}
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition moves j to next, maintaining timestamps.
func (j *Job) Transition(next Status, now time.Time) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", docflow.ErrInvalidTransition, j.Status, next)
	}

	j.Status = next
	j.UpdatedAt = now

	switch next {
	case StatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case StatusCompleted:
		j.Progress = 100
		j.CurrentStep = StepDone
		j.CompletedAt = &now
	case StatusFailed, StatusCanceled:
		j.CompletedAt = &now
	}
	return nil
}

// Advance records progress for the running attempt. Progress never moves
// backwards and is clamped to [0, 100].
func (j *Job) Advance(progress int, step Step, now time.Time) {
	if progress > 100 {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = step
	j.UpdatedAt = now
}

// Elapsed returns the processing time of a terminal job, or zero.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
