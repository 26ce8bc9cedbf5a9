// Package jobstore is the durable record of work items: their states,
// retry history, and dead-letter log. It performs the only state
// transitions a job is allowed to undergo (see Store's method set) and
// nothing above it is allowed to mutate a job directly.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is one of the five states a job can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

var (
	ErrNotFound         = errors.New("jobstore: not found")
	ErrInvalidInput     = errors.New("jobstore: invalid input")
	ErrInvalidState     = errors.New("jobstore: invalid state transition")
	ErrSchemaValidation = errors.New("jobstore: payload failed schema validation")
)

// Job is a single unit of work. Payload round-trips as the same JSON value
// across restarts (the Postgres backend stores it as JSONB, which does not
// keep its original whitespace or key order); it is never interpreted by the
// store itself.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// DeadLetterEntry is an append-only record of a job that exhausted its
// retry budget. It is removed only when RetryDeadJob is called.
type DeadLetterEntry struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	JobType      string          `json:"jobType"`
	Payload      json.RawMessage `json:"payload"`
	ErrorMessage string          `json:"errorMessage"`
	FailedAt     time.Time       `json:"failedAt"`
}

// CreateOptions configures a new job. Zero values fall back to the
// documented defaults (priority 0, max_attempts 1, scheduled_at now).
type CreateOptions struct {
	Priority    int
	MaxAttempts int
	ScheduledAt time.Time
}

// Stats summarizes the job table: per-status counts plus the dead-letter
// queue size.
type Stats struct {
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Dead          int `json:"dead"`
	DeadLetterLen int `json:"deadLetterLen"`
}

// Store is the durable job queue. Implementations must perform every
// state transition atomically (§4.2): the dead-letter insert and the
// job's dead status update commit together or not at all.
type Store interface {
	Create(ctx context.Context, jobType string, payload json.RawMessage, opts CreateOptions) (string, error)
	FindByID(ctx context.Context, id string) (Job, error)
	FindPendingJobs(ctx context.Context, limit int) ([]Job, error)
	FindByStatus(ctx context.Context, status Status, limit int) ([]Job, error)

	MarkRunning(ctx context.Context, id string) (Job, error)
	MarkCompleted(ctx context.Context, id string) (Job, error)
	MarkFailed(ctx context.Context, id string, errMsg string) (Job, error)
	Reschedule(ctx context.Context, id string, delay time.Duration) (Job, error)

	// GetDeadLetterJobs lists dead-letter entries oldest first. jobType
	// filters to a single job type; empty returns every type.
	GetDeadLetterJobs(ctx context.Context, jobType string, limit int) ([]DeadLetterEntry, error)
	RetryDeadJob(ctx context.Context, deadLetterID string) (Job, error)

	GetStats(ctx context.Context) (Stats, error)
}
