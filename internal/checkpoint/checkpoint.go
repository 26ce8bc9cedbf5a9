// Package checkpoint is the Checkpoint Store: the restart-safe progress
// record for a sync. Store.UpdateProgress is the durability anchor the
// sync engine's page loop depends on — it must commit before the next
// page is requested.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Status is one of the four states a checkpoint can be in.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound     = errors.New("checkpoint: not found")
	ErrInvalidInput = errors.New("checkpoint: invalid input")
	ErrInvalidState = errors.New("checkpoint: invalid state transition")
)

// Checkpoint is the progress record for one sync run.
type Checkpoint struct {
	ID             string     `json:"id"`
	SyncID         string     `json:"syncId"`
	PageToken      string     `json:"pageToken"`
	FilesProcessed int        `json:"filesProcessed"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ErrorMessage   string     `json:"errorMessage"`
}

// Store is the durable checkpoint table.
type Store interface {
	Create(ctx context.Context, syncID string) (string, error)
	FindBySyncID(ctx context.Context, syncID string) (Checkpoint, error)
	FindLatestInProgress(ctx context.Context) (Checkpoint, error)
	UpdateProgress(ctx context.Context, id, pageToken string, filesProcessed int) (Checkpoint, error)
	MarkCompleted(ctx context.Context, id string, filesProcessed int) (Checkpoint, error)
	MarkFailed(ctx context.Context, id string, errMsg string) (Checkpoint, error)
	Pause(ctx context.Context, id string) (Checkpoint, error)
	Resume(ctx context.Context, id string) (Checkpoint, error)
	Delete(ctx context.Context, syncID string) error
	GetHistory(ctx context.Context, limit int) ([]Checkpoint, error)
}
