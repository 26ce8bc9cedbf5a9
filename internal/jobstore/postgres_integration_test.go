package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationJobLifecycle(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresStore(dsn, nil)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.jobsTable = postgresIntegrationTableName("drivesync_jobs_it")
	store.deadLetterTable = postgresIntegrationTableName("drivesync_dlq_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.jobsTable)
		postgresIntegrationDropTable(t, dsn, store.deadLetterTable)
	})

	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{"sync_id":"s1"}`), CreateOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := store.FindPendingJobs(ctx, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending job, got %d (err=%v)", len(pending), err)
	}

	if _, err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := store.MarkFailed(ctx, id, "transient failure"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Reschedule(ctx, id, 0); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if _, err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("second mark running: %v", err)
	}
	job, err := store.MarkCompleted(ctx, id)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if job.Status != StatusCompleted || job.Attempts != 2 {
		t.Fatalf("expected completed with attempts=2, got status=%s attempts=%d", job.Status, job.Attempts)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed job in stats, got %d", stats.Completed)
	}
}

func TestPostgresIntegrationDeadLetterEscalationAndRetry(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresStore(dsn, nil)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.jobsTable = postgresIntegrationTableName("drivesync_jobs_it")
	store.deadLetterTable = postgresIntegrationTableName("drivesync_dlq_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.jobsTable)
		postgresIntegrationDropTable(t, dsn, store.deadLetterTable)
	})

	ctx := context.Background()
	id, err := store.Create(ctx, "incremental_sync", json.RawMessage(`{"sync_id":"s1","start_page_token":"p1"}`), CreateOptions{MaxAttempts: 1})
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
		t.Fatalf("expected dead status, got %s", job.Status)
	}

	entries, err := store.GetDeadLetterJobs(ctx, "", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d (err=%v)", len(entries), err)
	}

	retried, err := store.RetryDeadJob(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("retry dead job: %v", err)
	}
	if retried.Status != StatusPending || retried.Attempts != 0 {
		t.Fatalf("expected pending/attempts=0 after retry, got status=%s attempts=%d", retried.Status, retried.Attempts)
	}
}

func TestPostgresIntegrationFindStaleRunning(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresStore(dsn, nil)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.jobsTable = postgresIntegrationTableName("drivesync_jobs_it")
	store.deadLetterTable = postgresIntegrationTableName("drivesync_dlq_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.jobsTable)
		postgresIntegrationDropTable(t, dsn, store.deadLetterTable)
	})

	ctx := context.Background()
	id, err := store.Create(ctx, "full_sync", json.RawMessage(`{"sync_id":"s1"}`), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	future := time.Now().Add(time.Hour)
	stale, err := store.FindStaleRunning(ctx, future)
	if err != nil {
		t.Fatalf("find stale running: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != id {
		t.Fatalf("expected job %s reported stale, got %+v", id, stale)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DRIVESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set DRIVESYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
