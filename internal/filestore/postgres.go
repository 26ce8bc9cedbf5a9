package filestore

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
)

const (
	postgresFilesTable       = "synced_files"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable file descriptor table. Upsert is grounded
// directly on the teacher's PostgresStateBackend.Save: an INSERT ... ON
// CONFLICT DO UPDATE, making last-write-wins idempotence a single
// statement rather than a read-then-write race.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	table  string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore builds a Store backed by Postgres at dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open, table: postgresFilesTable}, nil
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
				name TEXT NOT NULL,
				mime_type TEXT NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				parent_id TEXT NOT NULL DEFAULT '',
				modified_time TIMESTAMPTZ,
				created_time TIMESTAMPTZ,
				md5_checksum TEXT NOT NULL DEFAULT '',
				synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				raw_metadata JSONB
			)`, quoteIdentifier(s.table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		index := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (parent_id)",
			quoteIdentifier(s.table+"_parent_idx"), quoteIdentifier(s.table))
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

func (s *PostgresStore) Upsert(ctx context.Context, d Descriptor) error {
	if d.ID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	raw := d.RawMetadata
	if raw == nil {
		raw = json.RawMessage(`null`)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, mime_type, size, parent_id, modified_time, created_time, md5_checksum, synced_at, raw_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mime_type = EXCLUDED.mime_type,
			size = EXCLUDED.size,
			parent_id = EXCLUDED.parent_id,
			modified_time = EXCLUDED.modified_time,
			created_time = EXCLUDED.created_time,
			md5_checksum = EXCLUDED.md5_checksum,
			synced_at = NOW(),
			raw_metadata = EXCLUDED.raw_metadata`, quoteIdentifier(s.table))
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name, d.MimeType, d.Size, d.ParentID,
		d.ModifiedTime, d.CreatedTime, d.MD5Checksum, string(raw))
	return err
}

const fileColumns = "id, name, mime_type, size, parent_id, modified_time, created_time, md5_checksum, synced_at, raw_metadata"

func scanDescriptor(row interface{ Scan(dest ...any) error }) (Descriptor, error) {
	var d Descriptor
	var raw []byte
	if err := row.Scan(&d.ID, &d.Name, &d.MimeType, &d.Size, &d.ParentID,
		&d.ModifiedTime, &d.CreatedTime, &d.MD5Checksum, &d.SyncedAt, &raw); err != nil {
		return Descriptor{}, err
	}
	if len(raw) > 0 {
		d.RawMetadata = json.RawMessage(raw)
	}
	return d, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Descriptor, error) {
	if err := s.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", fileColumns, quoteIdentifier(s.table))
	d, err := scanDescriptor(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Descriptor{}, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) FindByParentID(ctx context.Context, parentID string, limit int) ([]Descriptor, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	l := limit
	if l <= 0 {
		l = 1 << 30
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE parent_id = $1 ORDER BY name ASC LIMIT $2`,
		fileColumns, quoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query, parentID, l)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(s.table))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(s.table))
	var count int
	err := s.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Descriptor, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id ASC", fileColumns, quoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
