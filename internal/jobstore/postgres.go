package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

const (
	postgresJobsTable       = "sync_jobs"
	postgresDeadLetterTable = "sync_dead_letter_queue"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable, multi-process-safe Store backend. Table
// creation is grounded on the teacher's postgresQueueCore
// (postgres_backend.go); unlike the teacher's single-row dequeue,
// FindPendingJobs is a plain SELECT (no row locks, no SKIP LOCKED) returning
// up to `limit` rows ordered by priority desc, created_at asc, so it claims
// no rows itself — claiming happens explicitly via MarkRunning.
type PostgresStore struct {
	dsn       string
	validator *PayloadValidator
	openDB    sqlOpenFunc

	jobsTable       string
	deadLetterTable string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore builds a Store backed by Postgres at dsn. validator may
// be nil to skip payload schema validation.
func NewPostgresStore(dsn string, validator *PayloadValidator) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:             dsn,
		validator:       validator,
		openDB:          sql.Open,
		jobsTable:       postgresJobsTable,
		deadLetterTable: postgresDeadLetterTable,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		jobsTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				payload JSONB NOT NULL,
				status TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 1,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ
			)`, quoteIdentifier(s.jobsTable))
		if _, err := db.ExecContext(ctx, jobsTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		dispatchIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (status, scheduled_at)",
			quoteIdentifier(s.jobsTable+"_dispatch_idx"), quoteIdentifier(s.jobsTable))
		if _, err := db.ExecContext(ctx, dispatchIndex); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}

		deadLetterTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				job_type TEXT NOT NULL,
				payload JSONB NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.deadLetterTable))
		if _, err := db.ExecContext(ctx, deadLetterTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, jobType string, payload json.RawMessage, opts CreateOptions) (string, error) {
	if jobType == "" {
		return "", ErrInvalidInput
	}
	if s.validator != nil {
		if err := s.validator.Validate(jobType, payload); err != nil {
			return "", err
		}
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	id := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, payload, status, priority, attempts, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`, quoteIdentifier(s.jobsTable))
	_, err := s.db.ExecContext(ctx, query, id, jobType, string(payload), string(StatusPending), opts.Priority, maxAttempts, scheduledAt)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Job, error) {
	if err := s.ensureReady(); err != nil {
		return Job{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", jobColumns, quoteIdentifier(s.jobsTable))
	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) FindPendingJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.findByStatus(ctx, StatusPending, limit, true)
}

func (s *PostgresStore) FindByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	return s.findByStatus(ctx, status, limit, false)
}

func (s *PostgresStore) findByStatus(ctx context.Context, status Status, limit int, dispatchOrder bool) ([]Job, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var query string
	var args []any
	if dispatchOrder {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE status = $1 AND scheduled_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT $2`, jobColumns, quoteIdentifier(s.jobsTable))
		args = []any{string(status), sqlLimit(limit)}
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE status = $1
			ORDER BY priority DESC, created_at ASC
			LIMIT $2`, jobColumns, quoteIdentifier(s.jobsTable))
		args = []any{string(status), sqlLimit(limit)}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string) (Job, error) {
	return s.transition(ctx, id, StatusPending, func(tx *sql.Tx, job *Job) error {
		now := time.Now()
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, attempts = attempts + 1, started_at = $2, updated_at = $2
			WHERE id = $3`, quoteIdentifier(s.jobsTable))
		_, err := tx.ExecContext(ctx, query, string(StatusRunning), now, id)
		job.Status = StatusRunning
		job.Attempts++
		job.StartedAt = &now
		job.UpdatedAt = now
		return err
	})
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) (Job, error) {
	return s.transition(ctx, id, StatusRunning, func(tx *sql.Tx, job *Job) error {
		now := time.Now()
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, completed_at = $2, updated_at = $2
			WHERE id = $3`, quoteIdentifier(s.jobsTable))
		_, err := tx.ExecContext(ctx, query, string(StatusCompleted), now, id)
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.UpdatedAt = now
		return err
	})
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, errMsg string) (Job, error) {
	return s.transition(ctx, id, StatusRunning, func(tx *sql.Tx, job *Job) error {
		now := time.Now()
		job.LastError = errMsg
		job.UpdatedAt = now
		if job.Attempts >= job.MaxAttempts {
			job.Status = StatusDead
			updateQuery := fmt.Sprintf(`
				UPDATE %s SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
				quoteIdentifier(s.jobsTable))
			if _, err := tx.ExecContext(ctx, updateQuery, string(StatusDead), errMsg, now, id); err != nil {
				return err
			}
			entryID := uuid.NewString()
			insertQuery := fmt.Sprintf(`
				INSERT INTO %s (id, job_id, job_type, payload, error_message, failed_at)
				VALUES ($1, $2, $3, $4, $5, $6)`, quoteIdentifier(s.deadLetterTable))
			_, err := tx.ExecContext(ctx, insertQuery, entryID, job.ID, job.Type, string(job.Payload), errMsg, now)
			return err
		}
		job.Status = StatusFailed
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			quoteIdentifier(s.jobsTable))
		_, err := tx.ExecContext(ctx, query, string(StatusFailed), errMsg, now, id)
		return err
	})
}

func (s *PostgresStore) Reschedule(ctx context.Context, id string, delay time.Duration) (Job, error) {
	return s.transition(ctx, id, StatusFailed, func(tx *sql.Tx, job *Job) error {
		now := time.Now()
		scheduledAt := now.Add(delay)
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, scheduled_at = $2, updated_at = $3 WHERE id = $4`,
			quoteIdentifier(s.jobsTable))
		_, err := tx.ExecContext(ctx, query, string(StatusPending), scheduledAt, now, id)
		job.Status = StatusPending
		job.ScheduledAt = scheduledAt
		job.UpdatedAt = now
		return err
	})
}

// transition loads the job row for update, checks it is in requiredStatus,
// and runs apply inside the same transaction, committing atomically.
func (s *PostgresStore) transition(ctx context.Context, id string, requiredStatus Status, apply func(tx *sql.Tx, job *Job) error) (Job, error) {
	if err := s.ensureReady(); err != nil {
		return Job{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", jobColumns, quoteIdentifier(s.jobsTable))
	row := tx.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if job.Status != requiredStatus {
		return Job{}, ErrInvalidState
	}
	if err := apply(tx, &job); err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	committed = true
	return job, nil
}

func (s *PostgresStore) GetDeadLetterJobs(ctx context.Context, jobType string, limit int) ([]DeadLetterEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var rows *sql.Rows
	var err error
	if jobType == "" {
		query := fmt.Sprintf(`
			SELECT id, job_id, job_type, payload, error_message, failed_at
			FROM %s ORDER BY failed_at ASC LIMIT $1`, quoteIdentifier(s.deadLetterTable))
		rows, err = s.db.QueryContext(ctx, query, sqlLimit(limit))
	} else {
		query := fmt.Sprintf(`
			SELECT id, job_id, job_type, payload, error_message, failed_at
			FROM %s WHERE job_type = $1 ORDER BY failed_at ASC LIMIT $2`, quoteIdentifier(s.deadLetterTable))
		rows, err = s.db.QueryContext(ctx, query, jobType, sqlLimit(limit))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &payload, &e.ErrorMessage, &e.FailedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RetryDeadJob(ctx context.Context, deadLetterID string) (Job, error) {
	if err := s.ensureReady(); err != nil {
		return Job{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var jobID string
	selectQuery := fmt.Sprintf("SELECT job_id FROM %s WHERE id = $1 FOR UPDATE", quoteIdentifier(s.deadLetterTable))
	if err := tx.QueryRowContext(ctx, selectQuery, deadLetterID).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}

	jobQuery := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", jobColumns, quoteIdentifier(s.jobsTable))
	job, err := scanJob(tx.QueryRowContext(ctx, jobQuery, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusDead {
		return Job{}, ErrInvalidState
	}

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(s.deadLetterTable))
	if _, err := tx.ExecContext(ctx, deleteQuery, deadLetterID); err != nil {
		return Job{}, err
	}
	now := time.Now()
	updateQuery := fmt.Sprintf(`
		UPDATE %s SET status = $1, attempts = 0, last_error = '', scheduled_at = $2, updated_at = $2
		WHERE id = $3`, quoteIdentifier(s.jobsTable))
	if _, err := tx.ExecContext(ctx, updateQuery, string(StatusPending), now, jobID); err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	committed = true

	job.Status = StatusPending
	job.Attempts = 0
	job.LastError = ""
	job.ScheduledAt = now
	job.UpdatedAt = now
	return job, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (Stats, error) {
	if err := s.ensureReady(); err != nil {
		return Stats{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", quoteIdentifier(s.jobsTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDead:
			stats.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(s.deadLetterTable))
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&stats.DeadLetterLen); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *PostgresStore) FindStaleRunning(ctx context.Context, cutoff time.Time) ([]Job, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE status = $1 AND started_at < $2`,
		jobColumns, quoteIdentifier(s.jobsTable))
	rows, err := s.db.QueryContext(ctx, query, string(StatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const jobColumns = "id, type, payload, status, priority, attempts, max_attempts, last_error, created_at, updated_at, scheduled_at, started_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var payload string
	var status string
	if err := row.Scan(
		&job.ID, &job.Type, &payload, &status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.ScheduledAt, &job.StartedAt, &job.CompletedAt,
	); err != nil {
		return Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = Status(status)
	return job, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
