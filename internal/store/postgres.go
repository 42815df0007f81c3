package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS engagement_snapshots (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// PostgresKV keeps one versioned row per collection.
type PostgresKV struct {
	db *sqlx.DB
}

// NewPostgresKV connects to databaseURL and ensures the snapshots table exists.
func NewPostgresKV(databaseURL string) (*PostgresKV, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	kv := NewPostgresKVFromDB(db)
	if err := kv.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return kv, nil
}

// NewPostgresKVFromDB wraps an existing connection.
func NewPostgresKVFromDB(db *sqlx.DB) *PostgresKV {
	return &PostgresKV{db: db}
}

// Migrate creates the snapshots table if needed.
func (s *PostgresKV) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

func (s *PostgresKV) Close() error {
	return s.db.Close()
}

type snapshotRow struct {
	Value   []byte `db:"value"`
	Version int64  `db:"version"`
}

func (s *PostgresKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row,
		"SELECT value, version FROM engagement_snapshots WHERE key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return row.Value, row.Version, nil
}

func (s *PostgresKV) Set(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	var next int64
	var err error
	if expectedVersion == 0 {
		err = s.db.GetContext(ctx, &next, `
			INSERT INTO engagement_snapshots (key, value, version)
			VALUES ($1, $2, 1)
			ON CONFLICT (key) DO NOTHING
			RETURNING version`, key, value)
	} else {
		err = s.db.GetContext(ctx, &next, `
			UPDATE engagement_snapshots
			SET value = $1, version = version + 1, updated_at = NOW()
			WHERE key = $2 AND version = $3
			RETURNING version`, value, key, expectedVersion)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}
