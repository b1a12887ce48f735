package storage

import (
	"context"
	"errors"
	"fmt"

	"papersynth/internal/models"
	"papersynth/internal/vector"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// IndexRepo persists index snapshots in Postgres with pgvector columns. Entries
// are keyed by insertion sequence so a restored index keeps its tie-break order.
type IndexRepo struct {
	db *DB
}

func NewIndexRepo(db *DB) *IndexRepo {
	return &IndexRepo{db: db}
}

func (r *IndexRepo) SaveSnapshot(ctx context.Context, s vector.Snapshot) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx save index: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM index_entries`); err != nil {
		return fmt.Errorf("clear index entries: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO index_meta (id, provider, model, model_dimension, dimension, saved_at)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id)
DO UPDATE SET provider=EXCLUDED.provider, model=EXCLUDED.model, model_dimension=EXCLUDED.model_dimension,
  dimension=EXCLUDED.dimension, saved_at=EXCLUDED.saved_at`,
		s.Model.Provider, s.Model.Name, s.Model.Dimension, s.Dimension, s.SavedAt)
	if err != nil {
		return fmt.Errorf("save index meta: %w", err)
	}

	batch := &pgx.Batch{}
	for seq, e := range s.Entries {
		c := e.Chunk
		batch.Queue(`
INSERT INTO index_entries (seq, chunk_id, document_id, chunk_index, text, token_count, overlap, page_start, page_end, author, year, title, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			seq, c.ID, c.DocumentID, c.Index, c.Text, c.TokenCount, c.Overlap, c.PageStart, c.PageEnd,
			c.Metadata.Author, c.Metadata.Year, c.Metadata.Title, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert index entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

func (r *IndexRepo) LoadSnapshot(ctx context.Context) (vector.Snapshot, error) {
	var s vector.Snapshot
	err := r.db.Pool.QueryRow(ctx, `SELECT provider, model, model_dimension, dimension, saved_at FROM index_meta WHERE id=1`).
		Scan(&s.Model.Provider, &s.Model.Name, &s.Model.Dimension, &s.Dimension, &s.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return vector.Snapshot{}, vector.ErrNoSnapshot
	}
	if err != nil {
		return vector.Snapshot{}, fmt.Errorf("load index meta: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
SELECT chunk_id, document_id, chunk_index, text, token_count, overlap, page_start, page_end, author, year, title, embedding::text
FROM index_entries
ORDER BY seq`)
	if err != nil {
		return vector.Snapshot{}, fmt.Errorf("load index entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Chunk
		var emb pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.TokenCount, &c.Overlap, &c.PageStart, &c.PageEnd,
			&c.Metadata.Author, &c.Metadata.Year, &c.Metadata.Title, &emb); err != nil {
			return vector.Snapshot{}, fmt.Errorf("scan index entry: %w", err)
		}
		c.Embedding = emb.Slice()
		s.Entries = append(s.Entries, vector.Entry{Chunk: c})
	}
	if err := rows.Err(); err != nil {
		return vector.Snapshot{}, fmt.Errorf("iterate index entries: %w", err)
	}
	return s, nil
}
