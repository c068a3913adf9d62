package docflow

import "time"

// Config holds configuration for the conversion engine and its worker pool.
type Config struct {
	// Concurrency is the number of worker goroutines in the pool. Per-tenant
	// concurrency is additionally capped by each tenant's MaxConcurrentJobs.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how often an idle broker re-checks for eligible work.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AttemptTimeout bounds a single execution attempt. Negative disables it.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// MaxAttempts is the total number of attempts per job, first run included.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt. Each further
	// retry doubles it, capped at MaxBackoff.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// HeartbeatInterval is how often running jobs are heartbeated and
	// checked for a persisted cancellation mark. Negative disables it.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleJobThreshold is how long an active job may go without a write
	// before the reaper puts it back on the queue. Negative disables
	// reaping.
	StaleJobThreshold time.Duration `yaml:"stale_job_threshold"`

	// ProgressBuffer is the per-subscriber progress event buffer.
	ProgressBuffer int `yaml:"progress_buffer"`

	// AuditBuffer is the number of audit records held for asynchronous
	// delivery before new records are dropped.
	AuditBuffer int `yaml:"audit_buffer"`

	// ShutdownTimeout is the maximum time to wait for running jobs on Stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		PollInterval:      500 * time.Millisecond,
		AttemptTimeout:    5 * time.Minute,
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        time.Minute,
		HeartbeatInterval: 10 * time.Second,
		StaleJobThreshold: time.Minute,
		ProgressBuffer:    256,
		AuditBuffer:       1024,
		ShutdownTimeout:   30 * time.Second,
	}
}
