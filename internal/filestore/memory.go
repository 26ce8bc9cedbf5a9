package filestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default, test-friendly Store backend.
type MemoryStore struct {
	mu    sync.Mutex
	files map[string]Descriptor
	now   func() time.Time
}

// NewMemoryStore builds an empty file descriptor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: map[string]Descriptor{}, now: time.Now}
}

func (s *MemoryStore) Upsert(ctx context.Context, d Descriptor) error {
	if d.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d.SyncedAt = s.now()
	s.files[d.ID] = d
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.files[id]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) FindByParentID(ctx context.Context, parentID string, limit int) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Descriptor
	for _, d := range s.files {
		if d.ParentID == parentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files), nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Descriptor, 0, len(s.files))
	for _, d := range s.files {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
