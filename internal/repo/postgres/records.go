// Package postgres stores metadata records in PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-train/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	createRecordsTableQuery = `CREATE TABLE IF NOT EXISTS training_records (
		uid text PRIMARY KEY,
		class text NOT NULL,
		run_id text NOT NULL DEFAULT '',
		payload json NOT NULL,
		integrity_sha256 text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`

	upsertRecordQuery = `INSERT INTO training_records (
		uid,
		class,
		run_id,
		payload,
		integrity_sha256,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (uid) DO UPDATE SET
		class = EXCLUDED.class,
		run_id = EXCLUDED.run_id,
		payload = EXCLUDED.payload,
		integrity_sha256 = EXCLUDED.integrity_sha256`

	selectRecordQuery = `SELECT uid, class, run_id, payload, integrity_sha256, created_at
	 FROM training_records
	 WHERE uid = $1`
)

type EstimatorStore struct {
	db DB
}

var _ repo.EstimatorRepository = (*EstimatorStore)(nil)

func NewEstimatorStore(db DB) *EstimatorStore {
	if db == nil {
		return nil
	}
	return &EstimatorStore{db: db}
}

// EnsureSchema creates the records table when it is missing.
func (s *EstimatorStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("estimator store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, createRecordsTableQuery); err != nil {
		return fmt.Errorf("create training_records: %w", err)
	}
	return nil
}

func (s *EstimatorStore) Save(ctx context.Context, rec repo.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("estimator store not initialized")
	}
	rec.UID = strings.TrimSpace(rec.UID)
	rec.RunID = strings.TrimSpace(rec.RunID)
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Seal()
	if _, err := s.db.ExecContext(
		ctx,
		upsertRecordQuery,
		rec.UID,
		rec.Class,
		rec.RunID,
		[]byte(rec.Payload),
		rec.Integrity,
		rec.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *EstimatorStore) Get(ctx context.Context, uid string) (repo.Record, error) {
	if s == nil || s.db == nil {
		return repo.Record{}, fmt.Errorf("estimator store not initialized")
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return repo.Record{}, fmt.Errorf("record uid is required")
	}
	var (
		rec     repo.Record
		payload []byte
	)
	row := s.db.QueryRowContext(ctx, selectRecordQuery, uid)
	if err := row.Scan(&rec.UID, &rec.Class, &rec.RunID, &payload, &rec.Integrity, &rec.CreatedAt); err != nil {
		return repo.Record{}, handleNotFound(err)
	}
	rec.Payload = payload
	if err := rec.Verify(); err != nil {
		return repo.Record{}, err
	}
	return rec, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
