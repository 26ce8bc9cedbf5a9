package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

const (
	postgresCheckpointsTable  = "sync_checkpoints"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable, multi-process-safe checkpoint backend,
// grounded on the same postgresQueueCore shape used by jobstore.PostgresStore:
// lazy sync.Once init, injectable sql.Open, quoted identifiers.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	table  string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore builds a checkpoint Store backed by Postgres at dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open, table: postgresCheckpointsTable}, nil
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
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				seq BIGSERIAL,
				sync_id TEXT NOT NULL UNIQUE,
				page_token TEXT NOT NULL DEFAULT '',
				files_processed INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMPTZ,
				error_message TEXT NOT NULL DEFAULT ''
			)`, quoteIdentifier(s.table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		index := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (sync_id)",
			quoteIdentifier(s.table+"_sync_idx"), quoteIdentifier(s.table))
		if _, err := db.ExecContext(ctx, index); err != nil {
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

func (s *PostgresStore) Create(ctx context.Context, syncID string) (string, error) {
	syncID = strings.TrimSpace(syncID)
	if syncID == "" {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	id := uuid.NewString()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, sync_id, status)
		VALUES ($1, $2, $3)`, quoteIdentifier(s.table))
	_, err := s.db.ExecContext(ctx, query, id, syncID, string(StatusInProgress))
	if err != nil {
		return "", err
	}
	return id, nil
}

const checkpointColumns = "id, sync_id, page_token, files_processed, status, started_at, updated_at, completed_at, error_message"

func scanCheckpoint(row interface{ Scan(dest ...any) error }) (Checkpoint, error) {
	var c Checkpoint
	var status string
	if err := row.Scan(&c.ID, &c.SyncID, &c.PageToken, &c.FilesProcessed, &status,
		&c.StartedAt, &c.UpdatedAt, &c.CompletedAt, &c.ErrorMessage); err != nil {
		return Checkpoint{}, err
	}
	c.Status = Status(status)
	return c, nil
}

func (s *PostgresStore) FindBySyncID(ctx context.Context, syncID string) (Checkpoint, error) {
	if err := s.ensureReady(); err != nil {
		return Checkpoint{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE sync_id = $1", checkpointColumns, quoteIdentifier(s.table))
	c, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, syncID))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) FindLatestInProgress(ctx context.Context) (Checkpoint, error) {
	if err := s.ensureReady(); err != nil {
		return Checkpoint{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE status = $1 ORDER BY seq DESC LIMIT 1`,
		checkpointColumns, quoteIdentifier(s.table))
	c, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, string(StatusInProgress)))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) transition(ctx context.Context, id string, check func(Status) bool, apply func(tx *sql.Tx, c *Checkpoint) error) (Checkpoint, error) {
	if err := s.ensureReady(); err != nil {
		return Checkpoint{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", checkpointColumns, quoteIdentifier(s.table))
	c, err := scanCheckpoint(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	if check != nil && !check(c.Status) {
		return Checkpoint{}, ErrInvalidState
	}
	if err := apply(tx, &c); err != nil {
		return Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, err
	}
	committed = true
	return c, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id, pageToken string, filesProcessed int) (Checkpoint, error) {
	return s.transition(ctx, id, func(st Status) bool { return st == StatusInProgress }, func(tx *sql.Tx, c *Checkpoint) error {
		now := time.Now()
		query := fmt.Sprintf(`
			UPDATE %s SET page_token = $1, files_processed = $2, updated_at = $3 WHERE id = $4`,
			quoteIdentifier(s.table))
		_, err := tx.ExecContext(ctx, query, pageToken, filesProcessed, now, id)
		c.PageToken = pageToken
		c.FilesProcessed = filesProcessed
		c.UpdatedAt = now
		return err
	})
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, filesProcessed int) (Checkpoint, error) {
	return s.transition(ctx, id, func(st Status) bool { return st == StatusInProgress }, func(tx *sql.Tx, c *Checkpoint) error {
		now := time.Now()
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, files_processed = $2, updated_at = $3, completed_at = $3 WHERE id = $4`,
			quoteIdentifier(s.table))
		_, err := tx.ExecContext(ctx, query, string(StatusCompleted), filesProcessed, now, id)
		c.Status = StatusCompleted
		c.FilesProcessed = filesProcessed
		c.UpdatedAt = now
		c.CompletedAt = &now
		return err
	})
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, errMsg string) (Checkpoint, error) {
	return s.transition(ctx, id, func(st Status) bool { return st == StatusInProgress }, func(tx *sql.Tx, c *Checkpoint) error {
		now := time.Now()
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
			quoteIdentifier(s.table))
		_, err := tx.ExecContext(ctx, query, string(StatusFailed), errMsg, now, id)
		c.Status = StatusFailed
		c.ErrorMessage = errMsg
		c.UpdatedAt = now
		return err
	})
}

func (s *PostgresStore) Pause(ctx context.Context, id string) (Checkpoint, error) {
	return s.transition(ctx, id, func(st Status) bool { return st == StatusInProgress }, func(tx *sql.Tx, c *Checkpoint) error {
		now := time.Now()
		query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3`, quoteIdentifier(s.table))
		_, err := tx.ExecContext(ctx, query, string(StatusPaused), now, id)
		c.Status = StatusPaused
		c.UpdatedAt = now
		return err
	})
}

func (s *PostgresStore) Resume(ctx context.Context, id string) (Checkpoint, error) {
	return s.transition(ctx, id, func(st Status) bool { return st != StatusCompleted }, func(tx *sql.Tx, c *Checkpoint) error {
		now := time.Now()
		query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3`, quoteIdentifier(s.table))
		_, err := tx.ExecContext(ctx, query, string(StatusInProgress), now, id)
		c.Status = StatusInProgress
		c.UpdatedAt = now
		return err
	})
}

func (s *PostgresStore) Delete(ctx context.Context, syncID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("SELECT status FROM %s WHERE sync_id = $1 FOR UPDATE", quoteIdentifier(s.table))
	var status string
	if err := tx.QueryRowContext(ctx, query, syncID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if Status(status) == StatusInProgress {
		return ErrInvalidState
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE sync_id = $1", quoteIdentifier(s.table))
	if _, err := tx.ExecContext(ctx, deleteQuery, syncID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, limit int) ([]Checkpoint, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s ORDER BY seq DESC LIMIT $1`, checkpointColumns, quoteIdentifier(s.table))
	l := limit
	if l <= 0 {
		l = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, query, l)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
