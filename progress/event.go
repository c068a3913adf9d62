package progress

import (
	"time"

	"github.com/xraph/docflow/job"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventSubmitted EventType = "job.submitted"
	EventStarted   EventType = "job.started"
	EventProgress  EventType = "job.progress"
	EventRetrying  EventType = "job.retrying"
	EventCompleted EventType = "job.completed"
	EventFailed    EventType = "job.failed"
	EventCanceled  EventType = "job.canceled"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`

	JobID          string             `json:"job_id"`
	OrganizationID string             `json:"organization_id"`
	UserID         string             `json:"user_id"`
	ConversionType job.ConversionType `json:"conversion_type"`
	Status         job.Status         `json:"status"`
	Progress       int                `json:"progress"`
	Step           job.Step           `json:"step,omitempty"`
	Attempt        int                `json:"attempt,omitempty"`

	ElapsedMs int64      `json:"elapsed_ms,omitempty"`
	Error     string     `json:"error,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// newEvent snapshots j into an event of type t.
func newEvent(t EventType, j *job.Job) Event {
	return Event{
		Type:           t,
		Timestamp:      time.Now().UTC(),
		JobID:          j.ID.String(),
		OrganizationID: j.OrganizationID,
		UserID:         j.UserID,
		ConversionType: j.ConversionType,
		Status:         j.Status,
		Progress:       j.Progress,
		Step:           j.CurrentStep,
		Attempt:        j.Attempts,
	}
}

// Terminal reports whether the event closes the job's lifecycle.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCanceled:
		return true
	default:
		return false
	}
}
