package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the default, test-friendly Store backend: a mutex-guarded
// map, grounded on the teacher's InMemoryStateBackend (store.go). It is
// not multi-process safe — that is what PostgresStore is for.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	deadLetter map[string]*DeadLetterEntry
	validator  *PayloadValidator
	now        func() time.Time
}

// NewMemoryStore builds an empty in-memory job store. validator may be nil
// to skip payload schema validation entirely.
func NewMemoryStore(validator *PayloadValidator) *MemoryStore {
	return &MemoryStore{
		jobs:       map[string]*Job{},
		deadLetter: map[string]*DeadLetterEntry{},
		validator:  validator,
		now:        time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, jobType string, payload json.RawMessage, opts CreateOptions) (string, error) {
	if jobType == "" {
		return "", ErrInvalidInput
	}
	if s.validator != nil {
		if err := s.validator.Validate(jobType, payload); err != nil {
			return "", err
		}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	id := uuid.NewString()
	payloadCopy := append(json.RawMessage(nil), payload...)
	s.jobs[id] = &Job{
		ID:          id,
		Type:        jobType,
		Payload:     payloadCopy,
		Status:      StatusPending,
		Priority:    opts.Priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: scheduledAt,
	}
	return id, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) FindPendingJobs(ctx context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var candidates []*Job
	for _, job := range s.jobs {
		if job.Status == StatusPending && !job.ScheduledAt.After(now) {
			candidates = append(candidates, job)
		}
	}
	sortByPriorityThenCreation(candidates)
	return cloneJobSlice(limitJobs(candidates, limit)), nil
}

func (s *MemoryStore) FindByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*Job
	for _, job := range s.jobs {
		if job.Status == status {
			candidates = append(candidates, job)
		}
	}
	sortByPriorityThenCreation(candidates)
	return cloneJobSlice(limitJobs(candidates, limit)), nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != StatusPending {
		return Job{}, ErrInvalidState
	}
	now := s.now()
	job.Status = StatusRunning
	job.Attempts++
	job.StartedAt = &now
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != StatusRunning {
		return Job{}, ErrInvalidState
	}
	now := s.now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, errMsg string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != StatusRunning {
		return Job{}, ErrInvalidState
	}
	now := s.now()
	job.LastError = errMsg
	job.UpdatedAt = now
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusDead
		entryID := uuid.NewString()
		s.deadLetter[entryID] = &DeadLetterEntry{
			ID:           entryID,
			JobID:        job.ID,
			JobType:      job.Type,
			Payload:      append(json.RawMessage(nil), job.Payload...),
			ErrorMessage: errMsg,
			FailedAt:     now,
		}
	} else {
		job.Status = StatusFailed
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Reschedule(ctx context.Context, id string, delay time.Duration) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != StatusFailed {
		return Job{}, ErrInvalidState
	}
	now := s.now()
	job.Status = StatusPending
	job.ScheduledAt = now.Add(delay)
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *MemoryStore) GetDeadLetterJobs(ctx context.Context, jobType string, limit int) ([]DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*DeadLetterEntry, 0, len(s.deadLetter))
	for _, e := range s.deadLetter {
		if jobType != "" && e.JobType != jobType {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FailedAt.Before(entries[j].FailedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]DeadLetterEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneDeadLetter(e))
	}
	return out, nil
}

func (s *MemoryStore) RetryDeadJob(ctx context.Context, deadLetterID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetter[deadLetterID]
	if !ok {
		return Job{}, ErrNotFound
	}
	job, ok := s.jobs[entry.JobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != StatusDead {
		return Job{}, ErrInvalidState
	}
	delete(s.deadLetter, deadLetterID)
	now := s.now()
	job.Status = StatusPending
	job.Attempts = 0
	job.LastError = ""
	job.ScheduledAt = now
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, job := range s.jobs {
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusDead:
			stats.Dead++
		}
	}
	stats.DeadLetterLen = len(s.deadLetter)
	return stats, nil
}

// FindStaleRunning returns jobs stuck in running since before cutoff. It
// backs the startup recovery sweep in runner.Runner.Start (see §9 open
// question on stuck running rows).
func (s *MemoryStore) FindStaleRunning(ctx context.Context, cutoff time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, job := range s.jobs {
		if job.Status == StatusRunning && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func sortByPriorityThenCreation(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func limitJobs(jobs []*Job, limit int) []*Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

func cloneJob(job *Job) Job {
	clone := *job
	clone.Payload = append(json.RawMessage(nil), job.Payload...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

func cloneJobSlice(jobs []*Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, cloneJob(j))
	}
	return out
}

func cloneDeadLetter(e *DeadLetterEntry) DeadLetterEntry {
	clone := *e
	clone.Payload = append(json.RawMessage(nil), e.Payload...)
	return clone
}
