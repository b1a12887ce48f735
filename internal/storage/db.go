package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  document_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  author TEXT NOT NULL DEFAULT '',
  year INT NOT NULL DEFAULT 0,
  filename TEXT NOT NULL DEFAULT '',
  source_path TEXT NOT NULL DEFAULT '',
  pages JSONB NOT NULL DEFAULT '[]'::jsonb,
  status TEXT NOT NULL DEFAULT 'processed',
  fail_reason TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chunks (
  chunk_id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents(document_id) ON DELETE CASCADE,
  chunk_index INT NOT NULL,
  text TEXT NOT NULL,
  token_count INT NOT NULL,
  overlap INT NOT NULL DEFAULT 0,
  page_start INT NOT NULL DEFAULT 0,
  page_end INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks(document_id, chunk_index);

CREATE TABLE IF NOT EXISTS index_meta (
  id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  provider TEXT NOT NULL,
  model TEXT NOT NULL,
  model_dimension INT NOT NULL DEFAULT 0,
  dimension INT NOT NULL,
  saved_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS index_entries (
  seq BIGINT PRIMARY KEY,
  chunk_id TEXT NOT NULL,
  document_id TEXT NOT NULL,
  chunk_index INT NOT NULL,
  text TEXT NOT NULL,
  token_count INT NOT NULL,
  overlap INT NOT NULL DEFAULT 0,
  page_start INT NOT NULL DEFAULT 0,
  page_end INT NOT NULL DEFAULT 0,
  author TEXT NOT NULL DEFAULT '',
  year INT NOT NULL DEFAULT 0,
  title TEXT NOT NULL DEFAULT '',
  embedding vector NOT NULL
);

CREATE TABLE IF NOT EXISTS synthesis_runs (
  run_id UUID PRIMARY KEY,
  focus TEXT NOT NULL,
  document_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
  status TEXT NOT NULL,
  state TEXT NOT NULL DEFAULT '',
  out_path TEXT,
  report JSONB,
  error TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS llm_calls (
  call_id UUID PRIMARY KEY,
  operation TEXT NOT NULL,
  provider_name TEXT NOT NULL,
  model TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error_type TEXT,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the tables the repos expect. It is idempotent.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
