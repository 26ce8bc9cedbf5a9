package checkpoint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type record struct {
	checkpoint Checkpoint
	seq        int64
}

// MemoryStore is the default, test-friendly Store backend: a mutex-guarded
// map, grounded on jobstore.MemoryStore's same transition-table shape.
type MemoryStore struct {
	mu      sync.Mutex
	bySync  map[string]*record
	byID    map[string]*record
	nextSeq int64
	now     func() time.Time
}

// NewMemoryStore builds an empty checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySync: map[string]*record{},
		byID:   map[string]*record{},
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, syncID string) (string, error) {
	syncID = strings.TrimSpace(syncID)
	if syncID == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	id := uuid.NewString()
	s.nextSeq++
	rec := &record{
		checkpoint: Checkpoint{
			ID:        id,
			SyncID:    syncID,
			Status:    StatusInProgress,
			StartedAt: now,
			UpdatedAt: now,
		},
		seq: s.nextSeq,
	}
	s.byID[id] = rec
	s.bySync[syncID] = rec
	return id, nil
}

func (s *MemoryStore) FindBySyncID(ctx context.Context, syncID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySync[syncID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(rec.checkpoint), nil
}

func (s *MemoryStore) FindLatestInProgress(ctx context.Context) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *record
	for _, rec := range s.byID {
		if rec.checkpoint.Status != StatusInProgress {
			continue
		}
		if latest == nil || rec.seq > latest.seq {
			latest = rec
		}
	}
	if latest == nil {
		return Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(latest.checkpoint), nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id, pageToken string, filesProcessed int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	if rec.checkpoint.Status != StatusInProgress {
		return Checkpoint{}, ErrInvalidState
	}
	rec.checkpoint.PageToken = pageToken
	rec.checkpoint.FilesProcessed = filesProcessed
	rec.checkpoint.UpdatedAt = s.now()
	return cloneCheckpoint(rec.checkpoint), nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, filesProcessed int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	if rec.checkpoint.Status != StatusInProgress {
		return Checkpoint{}, ErrInvalidState
	}
	now := s.now()
	rec.checkpoint.Status = StatusCompleted
	rec.checkpoint.FilesProcessed = filesProcessed
	rec.checkpoint.UpdatedAt = now
	rec.checkpoint.CompletedAt = &now
	return cloneCheckpoint(rec.checkpoint), nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, errMsg string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	if rec.checkpoint.Status != StatusInProgress {
		return Checkpoint{}, ErrInvalidState
	}
	rec.checkpoint.Status = StatusFailed
	rec.checkpoint.ErrorMessage = errMsg
	rec.checkpoint.UpdatedAt = s.now()
	return cloneCheckpoint(rec.checkpoint), nil
}

func (s *MemoryStore) Pause(ctx context.Context, id string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	if rec.checkpoint.Status != StatusInProgress {
		return Checkpoint{}, ErrInvalidState
	}
	rec.checkpoint.Status = StatusPaused
	rec.checkpoint.UpdatedAt = s.now()
	return cloneCheckpoint(rec.checkpoint), nil
}

func (s *MemoryStore) Resume(ctx context.Context, id string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	if rec.checkpoint.Status == StatusCompleted {
		return Checkpoint{}, ErrInvalidState
	}
	rec.checkpoint.Status = StatusInProgress
	rec.checkpoint.UpdatedAt = s.now()
	return cloneCheckpoint(rec.checkpoint), nil
}

func (s *MemoryStore) Delete(ctx context.Context, syncID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySync[syncID]
	if !ok {
		return ErrNotFound
	}
	if rec.checkpoint.Status == StatusInProgress {
		return ErrInvalidState
	}
	delete(s.bySync, syncID)
	delete(s.byID, rec.checkpoint.ID)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, limit int) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*record, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]Checkpoint, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cloneCheckpoint(rec.checkpoint))
	}
	return out, nil
}

func cloneCheckpoint(c Checkpoint) Checkpoint {
	clone := c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}
