// Package syncengine is the Sync Engine: the only component allowed to
// create or retire a checkpoint, and the home of the full-sync and
// incremental-sync job handlers that drive the provider page loop.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/drivesync/internal/checkpoint"
	"github.com/agentworkforce/drivesync/internal/events"
	"github.com/agentworkforce/drivesync/internal/filestore"
	"github.com/agentworkforce/drivesync/internal/jobstore"
	"github.com/agentworkforce/drivesync/internal/provider"
	"github.com/google/uuid"
)

const (
	JobTypeFullSync        = "full_sync"
	JobTypeIncrementalSync = "incremental_sync"

	fullSyncPriority        = 10
	incrementalSyncPriority = 5
	defaultMaxAttempts      = 3
)

// PolicyError reports a synchronous refusal by the engine — no state was
// changed. It is reported to the caller, never retried.
type PolicyError struct {
	Op      string
	Reason  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("syncengine: %s refused: %s", e.Op, e.Reason)
}

// FullSyncPayload is a full_sync job's payload. ResumeFrom is advisory —
// the handler trusts the checkpoint's own page_token, not the payload.
type FullSyncPayload struct {
	SyncID     string `json:"sync_id"`
	ResumeFrom string `json:"resume_from,omitempty"`
}

// IncrementalSyncPayload is an incremental_sync job's payload.
type IncrementalSyncPayload struct {
	SyncID         string `json:"sync_id"`
	StartPageToken string `json:"start_page_token"`
}

// Config controls the engine's tunables.
type Config struct {
	PageSize int
	// DeleteOnRemoved decides how the incremental-sync handler treats a
	// provider-reported removal. The conservative default (false) never
	// purges a descriptor row — removals are an observability signal only,
	// per the design note on incremental deletion. Set true to have the
	// handler delete the row instead.
	DeleteOnRemoved bool
	Logger          *zap.SugaredLogger
}

// Engine is the Sync Engine.
type Engine struct {
	jobs        jobstore.Store
	checkpoints checkpoint.Store
	files       filestore.Store
	pc          *provider.Client
	bus         *events.Bus
	logger      *zap.SugaredLogger

	pageSize        int
	deleteOnRemoved bool

	startCursor string
}

// New builds a Sync Engine wired to the given collaborators. bus may be
// nil to drop sync:* events.
func New(jobs jobstore.Store, checkpoints checkpoint.Store, files filestore.Store, pc *provider.Client, bus *events.Bus, cfg Config) *Engine {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		jobs:            jobs,
		checkpoints:     checkpoints,
		files:           files,
		pc:              pc,
		bus:             bus,
		logger:          logger,
		pageSize:        pageSize,
		deleteOnRemoved: cfg.DeleteOnRemoved,
	}
}

func (e *Engine) publish(evt events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(evt)
}

// StartFullSync attaches to an in-progress checkpoint if one exists
// (the restart-safe behaviour), otherwise starts a brand new full sync.
func (e *Engine) StartFullSync(ctx context.Context) (string, error) {
	if existing, err := e.checkpoints.FindLatestInProgress(ctx); err == nil {
		if err := e.ResumeSync(ctx, existing.SyncID); err != nil {
			return "", err
		}
		return existing.SyncID, nil
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return "", err
	}

	syncID := uuid.NewString()
	if _, err := e.checkpoints.Create(ctx, syncID); err != nil {
		return "", err
	}
	payload, err := json.Marshal(FullSyncPayload{SyncID: syncID})
	if err != nil {
		return "", err
	}
	if _, err := e.jobs.Create(ctx, JobTypeFullSync, payload, jobstore.CreateOptions{
		Priority:    fullSyncPriority,
		MaxAttempts: defaultMaxAttempts,
	}); err != nil {
		return "", err
	}
	e.publish(events.Event{Kind: events.SyncStarted, SyncID: syncID})
	return syncID, nil
}

// StartIncrementalSync fetches a start cursor from PC the first time it is
// called (caching it in SE memory thereafter), then enqueues a new
// incremental sync.
func (e *Engine) StartIncrementalSync(ctx context.Context) (string, error) {
	if e.startCursor == "" {
		cursor, err := e.pc.StartPageToken(ctx)
		if err != nil {
			return "", err
		}
		e.startCursor = cursor
	}

	syncID := uuid.NewString()
	if _, err := e.checkpoints.Create(ctx, syncID); err != nil {
		return "", err
	}
	payload, err := json.Marshal(IncrementalSyncPayload{SyncID: syncID, StartPageToken: e.startCursor})
	if err != nil {
		return "", err
	}
	if _, err := e.jobs.Create(ctx, JobTypeIncrementalSync, payload, jobstore.CreateOptions{
		Priority:    incrementalSyncPriority,
		MaxAttempts: defaultMaxAttempts,
	}); err != nil {
		return "", err
	}
	e.publish(events.Event{Kind: events.SyncStarted, SyncID: syncID})
	return syncID, nil
}

// ResumeSync refuses if the checkpoint is completed. Otherwise it flips the
// checkpoint to in_progress and enqueues a fresh full_sync job; the handler
// will observe the stored page_token in CS and continue from there.
func (e *Engine) ResumeSync(ctx context.Context, syncID string) error {
	cp, err := e.checkpoints.FindBySyncID(ctx, syncID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return &PolicyError{Op: "resume_sync", Reason: "no checkpoint for sync_id " + syncID}
		}
		return err
	}
	if cp.Status == checkpoint.StatusCompleted {
		return &PolicyError{Op: "resume_sync", Reason: "checkpoint is already completed"}
	}
	if _, err := e.checkpoints.Resume(ctx, cp.ID); err != nil {
		if errors.Is(err, checkpoint.ErrInvalidState) {
			return &PolicyError{Op: "resume_sync", Reason: "checkpoint cannot be resumed from its current state"}
		}
		return err
	}
	payload, err := json.Marshal(FullSyncPayload{SyncID: syncID, ResumeFrom: cp.PageToken})
	if err != nil {
		return err
	}
	if _, err := e.jobs.Create(ctx, JobTypeFullSync, payload, jobstore.CreateOptions{
		Priority:    fullSyncPriority,
		MaxAttempts: defaultMaxAttempts,
	}); err != nil {
		return err
	}
	e.publish(events.Event{Kind: events.SyncResumed, SyncID: syncID, PageToken: cp.PageToken})
	return nil
}

// PauseSync flips the checkpoint to paused. The currently running job is
// not interrupted — pause takes effect on the next sync start.
func (e *Engine) PauseSync(ctx context.Context, syncID string) error {
	cp, err := e.checkpoints.FindBySyncID(ctx, syncID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return &PolicyError{Op: "pause_sync", Reason: "no checkpoint for sync_id " + syncID}
		}
		return err
	}
	if _, err := e.checkpoints.Pause(ctx, cp.ID); err != nil {
		if errors.Is(err, checkpoint.ErrInvalidState) {
			return &PolicyError{Op: "pause_sync", Reason: "checkpoint is not in_progress"}
		}
		return err
	}
	e.publish(events.Event{Kind: events.SyncPaused, SyncID: syncID})
	return nil
}

// DeleteSync refuses if the checkpoint is in_progress; otherwise removes it.
func (e *Engine) DeleteSync(ctx context.Context, syncID string) error {
	if err := e.checkpoints.Delete(ctx, syncID); err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			return &PolicyError{Op: "delete_sync", Reason: "no checkpoint for sync_id " + syncID}
		case errors.Is(err, checkpoint.ErrInvalidState):
			return &PolicyError{Op: "delete_sync", Reason: "checkpoint is in_progress"}
		default:
			return err
		}
	}
	e.publish(events.Event{Kind: events.SyncDeleted, SyncID: syncID})
	return nil
}

// GetStatus returns the checkpoint for syncID.
func (e *Engine) GetStatus(ctx context.Context, syncID string) (checkpoint.Checkpoint, error) {
	return e.checkpoints.FindBySyncID(ctx, syncID)
}

// GetCurrentSync returns the most recently created in_progress checkpoint.
func (e *Engine) GetCurrentSync(ctx context.Context) (checkpoint.Checkpoint, error) {
	return e.checkpoints.FindLatestInProgress(ctx)
}

// GetSyncHistory returns the most recent checkpoints first.
func (e *Engine) GetSyncHistory(ctx context.Context, limit int) ([]checkpoint.Checkpoint, error) {
	return e.checkpoints.GetHistory(ctx, limit)
}

// FullSyncHandler is the full_sync job handler (the page loop, §4.4.1): it
// satisfies runner.Handler without importing the runner package, which
// would create a cycle.
func (e *Engine) FullSyncHandler(ctx context.Context, job jobstore.Job) error {
	var payload FullSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("syncengine: decoding full_sync payload: %w", err)
	}
	syncID := strings.TrimSpace(payload.SyncID)
	if syncID == "" {
		return errors.New("syncengine: full_sync payload missing sync_id")
	}

	cp, err := e.checkpoints.FindBySyncID(ctx, syncID)
	if err != nil {
		return fmt.Errorf("syncengine: loading checkpoint for %s: %w", syncID, err)
	}

	pageToken := cp.PageToken
	total := cp.FilesProcessed

	for {
		page, err := e.pc.ListDescriptors(ctx, pageToken, e.pageSize)
		if err != nil {
			if _, failErr := e.checkpoints.MarkFailed(ctx, cp.ID, err.Error()); failErr != nil {
				e.logger.Errorw("mark checkpoint failed failed", "sync_id", syncID, "error", failErr)
			}
			e.publish(events.Event{Kind: events.SyncFailed, SyncID: syncID, Err: err.Error()})
			return err
		}

		for _, d := range page.Descriptors {
			if err := e.files.Upsert(ctx, toDescriptor(d)); err != nil {
				return fmt.Errorf("syncengine: upserting descriptor %s: %w", d.ID, err)
			}
		}
		total += len(page.Descriptors)

		if _, err := e.checkpoints.UpdateProgress(ctx, cp.ID, page.NextPageToken, total); err != nil {
			return fmt.Errorf("syncengine: updating checkpoint progress: %w", err)
		}
		e.publish(events.Event{Kind: events.SyncProgress, SyncID: syncID, PageToken: page.NextPageToken})

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if _, err := e.checkpoints.MarkCompleted(ctx, cp.ID, total); err != nil {
		return fmt.Errorf("syncengine: marking checkpoint completed: %w", err)
	}
	e.publish(events.Event{Kind: events.SyncCompleted, SyncID: syncID})
	return nil
}

// IncrementalSyncHandler is the incremental_sync job handler (§4.4.2): same
// loop shape as the full-sync handler, driven by PC.list_changes.
func (e *Engine) IncrementalSyncHandler(ctx context.Context, job jobstore.Job) error {
	var payload IncrementalSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("syncengine: decoding incremental_sync payload: %w", err)
	}
	syncID := strings.TrimSpace(payload.SyncID)
	if syncID == "" {
		return errors.New("syncengine: incremental_sync payload missing sync_id")
	}

	cp, err := e.checkpoints.FindBySyncID(ctx, syncID)
	if err != nil {
		return fmt.Errorf("syncengine: loading checkpoint for %s: %w", syncID, err)
	}

	pageToken := cp.PageToken
	if pageToken == "" {
		pageToken = payload.StartPageToken
	}
	total := cp.FilesProcessed

	for {
		page, err := e.pc.ListChanges(ctx, pageToken, e.pageSize)
		if err != nil {
			if _, failErr := e.checkpoints.MarkFailed(ctx, cp.ID, err.Error()); failErr != nil {
				e.logger.Errorw("mark checkpoint failed failed", "sync_id", syncID, "error", failErr)
			}
			e.publish(events.Event{Kind: events.SyncFailed, SyncID: syncID, Err: err.Error()})
			return err
		}

		for _, change := range page.Changes {
			if change.Removed {
				e.logger.Infow("provider reported removal", "sync_id", syncID, "file_id", change.FileID, "delete", e.deleteOnRemoved)
				if e.deleteOnRemoved {
					if err := e.files.Delete(ctx, change.FileID); err != nil && !errors.Is(err, filestore.ErrNotFound) {
						return fmt.Errorf("syncengine: deleting removed descriptor %s: %w", change.FileID, err)
					}
				}
				continue
			}
			if change.Descriptor == nil || change.Descriptor.Trashed {
				continue
			}
			if err := e.files.Upsert(ctx, toDescriptor(*change.Descriptor)); err != nil {
				return fmt.Errorf("syncengine: upserting descriptor %s: %w", change.Descriptor.ID, err)
			}
		}
		total += len(page.Changes)

		nextCursor := page.NextPageToken
		if nextCursor == "" {
			nextCursor = page.NewStartPageTok
		}
		if _, err := e.checkpoints.UpdateProgress(ctx, cp.ID, nextCursor, total); err != nil {
			return fmt.Errorf("syncengine: updating checkpoint progress: %w", err)
		}
		e.publish(events.Event{Kind: events.SyncProgress, SyncID: syncID, PageToken: nextCursor})

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if _, err := e.checkpoints.MarkCompleted(ctx, cp.ID, total); err != nil {
		return fmt.Errorf("syncengine: marking checkpoint completed: %w", err)
	}
	e.publish(events.Event{Kind: events.SyncCompleted, SyncID: syncID})
	return nil
}

func toDescriptor(d provider.Descriptor) filestore.Descriptor {
	var raw json.RawMessage
	if d.Raw != nil {
		if encoded, err := json.Marshal(d.Raw); err == nil {
			raw = encoded
		}
	}
	return filestore.Descriptor{
		ID:           d.ID,
		Name:         d.Name,
		MimeType:     d.MimeType,
		Size:         d.Size,
		ParentID:     d.ParentID,
		ModifiedTime: d.ModifiedTime,
		CreatedTime:  d.CreatedTime,
		MD5Checksum:  d.MD5Checksum,
		RawMetadata:  raw,
	}
}
