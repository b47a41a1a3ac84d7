// Package postgres provides the Postgres-backed report record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psi-tools/psiproxy/internal/report"
)

// schema is applied on startup. Updates go through single-statement row
// writes, so Postgres row locking gives the strict per-record write ordering
// the orchestrator relies on.
const schema = `
CREATE TABLE IF NOT EXISTS reports (
	public_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	form_factor TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	processing_started_at TIMESTAMPTZ,
	result_location TEXT NOT NULL DEFAULT '',
	result_payload JSONB
);
CREATE INDEX IF NOT EXISTS reports_url_created_at_idx ON reports (url, created_at DESC);
CREATE INDEX IF NOT EXISTS reports_status_idx ON reports (status, processing_started_at);
`

const recordColumns = `public_id, url, form_factor, created_at, status, processing_started_at, result_location, result_payload`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStore implements report.RecordStore on Postgres.
type RecordStore struct {
	pool  dbPool
	idGen report.IDGenerator
	clock report.Clock
}

// NewRecordStore connects a pool and constructs a RecordStore.
func NewRecordStore(ctx context.Context, cfg Config, idGen report.IDGenerator, clock report.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRecordStoreWithPool(pool dbPool, idGen report.IDGenerator, clock report.Clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// EnsureSchema creates the reports table and indexes if absent.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return &report.StorageError{Op: "ensure schema", Err: err}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create allocates a publicId and inserts a pending record.
func (s *RecordStore) Create(ctx context.Context, url string, formFactor report.FormFactor) (report.Record, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return report.Record{}, &report.StorageError{Op: "create", Err: err}
	}
	rec := report.Record{
		PublicID:   id,
		URL:        url,
		FormFactor: formFactor,
		CreatedAt:  s.clock.Now(),
		Status:     report.StatusPending,
	}
	query := `
INSERT INTO reports (public_id, url, form_factor, created_at, status, processing_started_at, result_location, result_payload)
VALUES ($1, $2, $3, $4, $5, NULL, '', NULL)`
	if _, err := s.pool.Exec(ctx, query, rec.PublicID, rec.URL, string(rec.FormFactor), rec.CreatedAt, string(rec.Status)); err != nil {
		return report.Record{}, &report.StorageError{Op: "insert record", Err: err}
	}
	return rec, nil
}

// UpdateStatus applies a partial update by publicId. Unset fields keep their
// stored values; the processing timestamp and inline payload honor explicit
// clears.
func (s *RecordStore) UpdateStatus(ctx context.Context, publicID string, upd report.StatusUpdate) error {
	setProcessing := upd.ProcessingStartedAt != nil || upd.ClearProcessingStartedAt
	var processingAt *time.Time
	if upd.ProcessingStartedAt != nil && !upd.ClearProcessingStartedAt {
		processingAt = upd.ProcessingStartedAt
	}
	setPayload := upd.ResultPayload != nil
	var payload []byte
	if setPayload && len(*upd.ResultPayload) > 0 {
		payload = *upd.ResultPayload
	}

	query := `
UPDATE reports SET
	status = $2,
	processing_started_at = CASE WHEN $3::boolean THEN $4 ELSE processing_started_at END,
	result_location = COALESCE($5, result_location),
	result_payload = CASE WHEN $6::boolean THEN $7 ELSE result_payload END
WHERE public_id = $1`
	tag, err := s.pool.Exec(ctx, query,
		publicID,
		string(upd.Status),
		setProcessing,
		processingAt,
		upd.ResultLocation,
		setPayload,
		payload,
	)
	if err != nil {
		return &report.StorageError{Op: "update record", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return report.ErrNotFound
	}
	return nil
}

// GetByURL returns the newest record for url created at or after since.
func (s *RecordStore) GetByURL(ctx context.Context, url string, since time.Time) (report.Record, error) {
	query := `
SELECT ` + recordColumns + `
FROM reports
WHERE url = $1 AND created_at >= $2
ORDER BY created_at DESC
LIMIT 1`
	return s.scanOne(s.pool.QueryRow(ctx, query, url, since), "get by url")
}

// GetByPublicID returns the record or report.ErrNotFound.
func (s *RecordStore) GetByPublicID(ctx context.Context, publicID string) (report.Record, error) {
	query := `
SELECT ` + recordColumns + `
FROM reports
WHERE public_id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, publicID), "get by public id")
}

// ListStuckProcessing returns processing records started before now-maxAge.
func (s *RecordStore) ListStuckProcessing(ctx context.Context, maxAge time.Duration) ([]report.Record, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	query := `
SELECT ` + recordColumns + `
FROM reports
WHERE status = $1 AND processing_started_at < $2`
	rows, err := s.pool.Query(ctx, query, string(report.StatusProcessing), cutoff)
	if err != nil {
		return nil, &report.StorageError{Op: "list stuck", Err: err}
	}
	defer rows.Close()

	var stuck []report.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &report.StorageError{Op: "scan stuck row", Err: err}
		}
		stuck = append(stuck, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &report.StorageError{Op: "list stuck", Err: err}
	}
	return stuck, nil
}

// ListAll returns payload-free summaries of every record, newest first.
func (s *RecordStore) ListAll(ctx context.Context) ([]report.Summary, error) {
	query := `
SELECT public_id, url, form_factor, created_at, status, result_location
FROM reports
ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, &report.StorageError{Op: "list all", Err: err}
	}
	defer rows.Close()

	var summaries []report.Summary
	for rows.Next() {
		var sum report.Summary
		var formFactor, status string
		if err := rows.Scan(&sum.PublicID, &sum.URL, &formFactor, &sum.CreatedAt, &status, &sum.ResultLocation); err != nil {
			return nil, &report.StorageError{Op: "scan summary row", Err: err}
		}
		sum.FormFactor = report.FormFactor(formFactor)
		sum.Status = report.Status(status)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &report.StorageError{Op: "list all", Err: err}
	}
	return summaries, nil
}

// DeleteOlderThan removes records created before cutoff and returns the count.
func (s *RecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, &report.StorageError{Op: "delete old records", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (s *RecordStore) scanOne(row pgx.Row, op string) (report.Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return report.Record{}, report.ErrNotFound
		}
		return report.Record{}, &report.StorageError{Op: op, Err: err}
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (report.Record, error) {
	var rec report.Record
	var formFactor, status string
	var payload []byte
	if err := row.Scan(
		&rec.PublicID,
		&rec.URL,
		&formFactor,
		&rec.CreatedAt,
		&status,
		&rec.ProcessingStartedAt,
		&rec.ResultLocation,
		&payload,
	); err != nil {
		return report.Record{}, err
	}
	rec.FormFactor = report.FormFactor(formFactor)
	rec.Status = report.Status(status)
	if len(payload) > 0 {
		rec.ResultPayload = payload
	}
	return rec, nil
}
