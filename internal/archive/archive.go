// Package archive persists computed embeddings in PostgreSQL with pgvector.
//
// The archive is optional. When configured, every successful batch is
// upserted into the record_embeddings table keyed by (record_id, model_id,
// dims), so recomputing a record with the same model replaces its row.
//
// Vectors of different lengths (raw model output and reduced vectors) share
// the table; the column is an unconstrained vector and dims records the
// length.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned by [Store.Lookup] when no row matches.
var ErrNotFound = errors.New("archive: embedding not found")

const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS record_embeddings (
    record_id       TEXT         NOT NULL,
    model_id        TEXT         NOT NULL,
    dims            INTEGER      NOT NULL,
    canonical_text  TEXT         NOT NULL,
    embedding       vector       NOT NULL,
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (record_id, model_id, dims)
);

CREATE INDEX IF NOT EXISTS idx_record_embeddings_updated_at
    ON record_embeddings (updated_at);
`

// Entry is one archived embedding.
type Entry struct {
	RecordID      string
	ModelID       string
	CanonicalText string
	Embedding     []float32
	UpdatedAt     time.Time
}

// Store is the PostgreSQL-backed archive. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the archive table. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Store upserts entries in a single round trip. Entries with an empty
// embedding are skipped.
func (s *Store) Store(ctx context.Context, entries []Entry) error {
	const q = `
		INSERT INTO record_embeddings
		    (record_id, model_id, dims, canonical_text, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (record_id, model_id, dims) DO UPDATE SET
		    canonical_text = EXCLUDED.canonical_text,
		    embedding      = EXCLUDED.embedding,
		    updated_at     = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		batch.Queue(q, e.RecordID, e.ModelID, len(e.Embedding), e.CanonicalText, pgvector.NewVector(e.Embedding))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive: store %d entries: %w", batch.Len(), err)
	}
	return nil
}

// Lookup returns the most recently stored embedding of recordID produced by
// modelID, regardless of its length.
func (s *Store) Lookup(ctx context.Context, recordID, modelID string) (Entry, error) {
	const q = `
		SELECT record_id, model_id, canonical_text, embedding, updated_at
		FROM record_embeddings
		WHERE record_id = $1 AND model_id = $2
		ORDER BY updated_at DESC
		LIMIT 1`

	var (
		e   Entry
		vec pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, q, recordID, modelID).
		Scan(&e.RecordID, &e.ModelID, &e.CanonicalText, &vec, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("archive: lookup: %w", err)
	}
	e.Embedding = vec.Slice()
	return e, nil
}

// Ping checks the connection. It matches the signature of a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
