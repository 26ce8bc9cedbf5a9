package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCreateRejectsEmptyType(t *testing.T) {
	store := NewMemoryStore(nil)
	if _, err := store.Create(context.Background(), "", json.RawMessage(`{}`), CreateOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateValidatesPayloadAgainstRegisteredSchema(t *testing.T) {
	validator := NewPayloadValidator()
	if err := validator.Register("full_sync", FullSyncPayloadSchema); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	store := NewMemoryStore(validator)

	_, err := store.Create(context.Background(), "full_sync", json.RawMessage(`{}`), CreateOptions{})
	if !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation, got %v", err)
	}

	id, err := store.Create(context.Background(), "full_sync", json.RawMessage(`{"sync_id":"s1"}`), CreateOptions{})
	if err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}
}

// TestAttemptsNeverExceedMaxAttempts covers the §8 invariant
// 0 <= attempts <= max_attempts, and that status=dead implies exactly one
// dead-letter row references the job.
func TestAttemptsNeverExceedMaxAttempts(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := store.MarkRunning(ctx, id)
		if err != nil {
			t.Fatalf("mark running attempt %d: %v", attempt, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempt %d: want Attempts=%d, got %d", attempt, attempt, job.Attempts)
		}
		job, err = store.MarkFailed(ctx, id, "boom")
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", attempt, err)
		}
		if job.Attempts > job.MaxAttempts {
			t.Fatalf("attempts %d exceeded max_attempts %d", job.Attempts, job.MaxAttempts)
		}
		if attempt < 2 {
			if job.Status != StatusFailed {
				t.Fatalf("expected failed after attempt %d, got %s", attempt, job.Status)
			}
			if _, err := store.Reschedule(ctx, id, 0); err != nil {
				t.Fatalf("reschedule: %v", err)
			}
		}
	}

	final, err := store.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if final.Status != StatusDead {
		t.Fatalf("expected dead, got %s", final.Status)
	}

	entries, err := store.GetDeadLetterJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("get dead letter jobs: %v", err)
	}
	matches := 0
	for _, e := range entries {
		if e.JobID == id {
			matches++
		}
	}
	if matches != 1 {
		t.Fatalf("expected exactly one dead-letter row for job, got %d", matches)
	}
}

// TestMaxAttemptsOneDeadLettersImmediately covers the §8 boundary behaviour:
// a job with max_attempts=1 that fails once lands directly in dead-letter.
func TestMaxAttemptsOneDeadLettersImmediately(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	job, err := store.MarkFailed(ctx, id, "boom")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if job.Status != StatusDead {
		t.Fatalf("expected immediate dead status, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", job.Attempts)
	}
}

// TestRetryMonotonicity covers the §8 law: a handler that fails k times and
// then succeeds ends in completed with attempts = k+1 <= max_attempts.
func TestRetryMonotonicity(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	k := 3
	for i := 0; i < k; i++ {
		if _, err := store.MarkRunning(ctx, id); err != nil {
			t.Fatalf("mark running %d: %v", i, err)
		}
		if _, err := store.MarkFailed(ctx, id, "transient"); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
		if _, err := store.Reschedule(ctx, id, 0); err != nil {
			t.Fatalf("reschedule %d: %v", i, err)
		}
	}
	if _, err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("final mark running: %v", err)
	}
	job, err := store.MarkCompleted(ctx, id)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Attempts != k+1 {
		t.Fatalf("expected attempts=%d, got %d", k+1, job.Attempts)
	}
	if job.Attempts > job.MaxAttempts {
		t.Fatalf("attempts %d exceeded max_attempts %d", job.Attempts, job.MaxAttempts)
	}
}

// TestDispatchOrdering covers the §8 law: of two pending jobs eligible at the
// same tick, the higher-priority one is returned first; ties broken by
// created_at ascending.
func TestDispatchOrdering(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	lowID, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{Priority: 1})
	if err != nil {
		t.Fatalf("create low: %v", err)
	}

	store.now = func() time.Time { return fixed.Add(time.Second) }
	midID, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{Priority: 5})
	if err != nil {
		t.Fatalf("create mid: %v", err)
	}

	store.now = func() time.Time { return fixed.Add(2 * time.Second) }
	highID, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{Priority: 10})
	if err != nil {
		t.Fatalf("create high: %v", err)
	}

	store.now = func() time.Time { return fixed.Add(3 * time.Second) }
	pending, err := store.FindPendingJobs(ctx, 0)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending jobs, got %d", len(pending))
	}
	want := []string{highID, midID, lowID}
	for i, id := range want {
		if pending[i].ID != id {
			t.Fatalf("position %d: expected job %s, got %s", i, id, pending[i].ID)
		}
	}
}

func TestRescheduleRequiresFailedStatus(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Reschedule(ctx, id, time.Second); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState rescheduling a pending job, got %v", err)
	}
}

// TestRetryDeadJobResetsAttempts documents the §9 design note: dead-letter
// retry zeroes the attempt counter, by design, even though it means no
// cumulative attempt ceiling exists across retries.
func TestRetryDeadJobResetsAttempts(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := store.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	entries, err := store.GetDeadLetterJobs(ctx, "", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one dead-letter entry, got %d (err=%v)", len(entries), err)
	}

	job, err := store.RetryDeadJob(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("retry dead job: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("expected pending after retry, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", job.Attempts)
	}
	if job.LastError != "" {
		t.Fatalf("expected last_error cleared, got %q", job.LastError)
	}

	remaining, err := store.GetDeadLetterJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("get dead letter jobs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected dead-letter entry removed after retry, got %d remaining", len(remaining))
	}
}

func TestFindStaleRunningReportsOnlyOldRunningJobs(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	staleID, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{})
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if _, err := store.MarkRunning(ctx, staleID); err != nil {
		t.Fatalf("mark running stale: %v", err)
	}

	store.now = func() time.Time { return base.Add(time.Hour) }
	freshID, err := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, err := store.MarkRunning(ctx, freshID); err != nil {
		t.Fatalf("mark running fresh: %v", err)
	}

	cutoff := base.Add(30 * time.Minute)
	stale, err := store.FindStaleRunning(ctx, cutoff)
	if err != nil {
		t.Fatalf("find stale running: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != staleID {
		t.Fatalf("expected only %s reported stale, got %+v", staleID, stale)
	}
}

func TestGetStatsCountsEveryStatus(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	pendingID, _ := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{})
	runningID, _ := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{})
	deadID, _ := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 1})

	if _, err := store.MarkRunning(ctx, runningID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := store.MarkRunning(ctx, deadID); err != nil {
		t.Fatalf("mark running dead candidate: %v", err)
	}
	if _, err := store.MarkFailed(ctx, deadID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.Pending)
	}
	if stats.Running != 1 {
		t.Fatalf("expected 1 running, got %d", stats.Running)
	}
	if stats.Dead != 1 {
		t.Fatalf("expected 1 dead, got %d", stats.Dead)
	}
	if stats.DeadLetterLen != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", stats.DeadLetterLen)
	}
	_ = pendingID
}

func TestGetDeadLetterJobsFiltersByJobType(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	fullID, _ := store.Create(ctx, "full_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 1})
	incID, _ := store.Create(ctx, "incremental_sync", json.RawMessage(`{}`), CreateOptions{MaxAttempts: 1})
	for _, id := range []string{fullID, incID} {
		if _, err := store.MarkRunning(ctx, id); err != nil {
			t.Fatalf("mark running %s: %v", id, err)
		}
		if _, err := store.MarkFailed(ctx, id, "boom"); err != nil {
			t.Fatalf("mark failed %s: %v", id, err)
		}
	}

	all, err := store.GetDeadLetterJobs(ctx, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 unfiltered dead-letter entries, got %d (err=%v)", len(all), err)
	}

	onlyFull, err := store.GetDeadLetterJobs(ctx, "full_sync", 0)
	if err != nil {
		t.Fatalf("get dead letter jobs: %v", err)
	}
	if len(onlyFull) != 1 || onlyFull[0].JobType != "full_sync" {
		t.Fatalf("expected 1 full_sync dead-letter entry, got %+v", onlyFull)
	}
}
