// Package pgstore provides a PostgreSQL-backed implementation of the
// semindex.Store interface.
//
// Snapshots are persisted as one row in tool_index_snapshots keyed by the
// full fingerprint tuple, plus one tool_index_records row per embedding
// vector stored in a pgvector column. The pgvector extension must be
// available in the target database; Migrate installs it via CREATE EXTENSION
// IF NOT EXISTS.
//
// Usage:
//
//	store, err := pgstore.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mirefall/quartermaster/internal/semindex"
)

// Compile-time interface check.
var _ semindex.Store = (*Store)(nil)

const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS tool_index_snapshots (
    id                 BIGSERIAL    PRIMARY KEY,
    provider           TEXT         NOT NULL,
    model              TEXT         NOT NULL,
    dimension          INT          NOT NULL,
    instruction        TEXT         NOT NULL DEFAULT '',
    built_at           TIMESTAMPTZ  NOT NULL,
    name_weight        DOUBLE PRECISION NOT NULL,
    description_weight DOUBLE PRECISION NOT NULL,
    parameters_weight  DOUBLE PRECISION NOT NULL,
    UNIQUE (provider, model, dimension, instruction)
);

CREATE TABLE IF NOT EXISTS tool_index_records (
    id          BIGSERIAL PRIMARY KEY,
    snapshot_id BIGINT    NOT NULL REFERENCES tool_index_snapshots (id) ON DELETE CASCADE,
    tool_name   TEXT      NOT NULL,
    variant     TEXT      NOT NULL,
    source_text TEXT      NOT NULL DEFAULT '',
    embedding   VECTOR    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_index_records_snapshot
    ON tool_index_records (snapshot_id);
`

// Store is a PostgreSQL-backed snapshot store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the PostgreSQL database at dsn, registers pgvector types on
// every connection, and runs Migrate.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}

	// Register pgvector types so VECTOR columns scan into pgvector.Vector.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate ensures the extension and tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Load implements semindex.Store. Returns (nil, nil) when no snapshot exists
// under fp.
func (s *Store) Load(ctx context.Context, fp semindex.Fingerprint) (*semindex.Snapshot, error) {
	const snapQ = `
		SELECT id, built_at, name_weight, description_weight, parameters_weight
		FROM   tool_index_snapshots
		WHERE  provider = $1 AND model = $2 AND dimension = $3 AND instruction = $4`

	snap := &semindex.Snapshot{Fingerprint: fp}
	var snapshotID int64
	err := s.pool.QueryRow(ctx, snapQ, fp.Provider, fp.Model, fp.Dimension, fp.Instruction).Scan(
		&snapshotID,
		&snap.BuiltAt,
		&snap.Weights.Name,
		&snap.Weights.Description,
		&snap.Weights.Parameters,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: load snapshot: %w", err)
	}

	const recQ = `
		SELECT tool_name, variant, source_text, embedding
		FROM   tool_index_records
		WHERE  snapshot_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, recQ, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (semindex.Record, error) {
		var (
			rec semindex.Record
			vec pgvector.Vector
		)
		if err := row.Scan(&rec.ToolName, &rec.Variant, &rec.SourceText, &vec); err != nil {
			return semindex.Record{}, err
		}
		rec.Vector = vec.Slice()
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan records: %w", err)
	}

	snap.Records = records
	return snap, nil
}

// Save implements semindex.Store. Any previous snapshot under the same
// fingerprint is replaced in the same transaction; readers either see the old
// snapshot or the new one, never a mix.
func (s *Store) Save(ctx context.Context, snap *semindex.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: save: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	fp := snap.Fingerprint

	const deleteQ = `
		DELETE FROM tool_index_snapshots
		WHERE provider = $1 AND model = $2 AND dimension = $3 AND instruction = $4`
	if _, err := tx.Exec(ctx, deleteQ, fp.Provider, fp.Model, fp.Dimension, fp.Instruction); err != nil {
		return fmt.Errorf("pgstore: save: delete previous: %w", err)
	}

	const insertSnapQ = `
		INSERT INTO tool_index_snapshots
		    (provider, model, dimension, instruction, built_at,
		     name_weight, description_weight, parameters_weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var snapshotID int64
	err = tx.QueryRow(ctx, insertSnapQ,
		fp.Provider, fp.Model, fp.Dimension, fp.Instruction, snap.BuiltAt,
		snap.Weights.Name, snap.Weights.Description, snap.Weights.Parameters,
	).Scan(&snapshotID)
	if err != nil {
		return fmt.Errorf("pgstore: save: insert snapshot: %w", err)
	}

	const insertRecQ = `
		INSERT INTO tool_index_records (snapshot_id, tool_name, variant, source_text, embedding)
		VALUES ($1, $2, $3, $4, $5)`

	for _, rec := range snap.Records {
		vec := pgvector.NewVector(rec.Vector)
		if _, err := tx.Exec(ctx, insertRecQ, snapshotID, rec.ToolName, string(rec.Variant), rec.SourceText, vec); err != nil {
			return fmt.Errorf("pgstore: save: insert record %s/%s: %w", rec.ToolName, rec.Variant, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: save: commit: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
