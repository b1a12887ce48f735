package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"papersynth/internal/models"
)

type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// UpsertDocument stores a processed document and replaces its chunks.
func (r *DocumentRepo) UpsertDocument(ctx context.Context, d models.Document) error {
	pages, err := json.Marshal(d.Pages)
	if err != nil {
		return fmt.Errorf("marshal pages: %w", err)
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx upsert document: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
INSERT INTO documents (document_id, title, author, year, filename, source_path, pages, status, fail_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, 'processed', NULL, $8)
ON CONFLICT (document_id)
DO UPDATE SET
  title = EXCLUDED.title,
  author = EXCLUDED.author,
  year = EXCLUDED.year,
  filename = EXCLUDED.filename,
  source_path = EXCLUDED.source_path,
  pages = EXCLUDED.pages,
  status = 'processed',
  fail_reason = NULL,
  updated_at = NOW()`,
		d.ID, d.Title, d.Author, d.Year, d.Filename, d.SourcePath, string(pages), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", d.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, d.ID); err != nil {
		return fmt.Errorf("clear chunks %s: %w", d.ID, err)
	}
	for _, c := range d.Chunks {
		_, err := tx.Exec(ctx, `
INSERT INTO chunks (chunk_id, document_id, chunk_index, text, token_count, overlap, page_start, page_end)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, d.ID, c.Index, c.Text, c.TokenCount, c.Overlap, c.PageStart, c.PageEnd)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit document tx: %w", err)
	}
	return nil
}

// RecordFailure keeps a row for a file that could not be processed.
func (r *DocumentRepo) RecordFailure(ctx context.Context, documentID, filename, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO documents (document_id, filename, status, fail_reason)
VALUES ($1, $2, 'failed', NULLIF($3,''))
ON CONFLICT (document_id)
DO UPDATE SET status='failed', fail_reason=EXCLUDED.fail_reason, updated_at=NOW()`, documentID, filename, reason)
	if err != nil {
		return fmt.Errorf("record document failure: %w", err)
	}
	return nil
}

// ListDocuments returns processed documents with their chunks, oldest first.
func (r *DocumentRepo) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT document_id, title, author, year, filename, source_path, pages::text, created_at
FROM documents
WHERE status='processed'
ORDER BY created_at, document_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var d models.Document
		var pages string
		if err := rows.Scan(&d.ID, &d.Title, &d.Author, &d.Year, &d.Filename, &d.SourcePath, &pages, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(pages), &d.Pages); err != nil {
			return nil, fmt.Errorf("decode pages %s: %w", d.ID, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	for i := range docs {
		chunks, err := r.ListChunks(ctx, docs[i])
		if err != nil {
			return nil, err
		}
		docs[i].Chunks = chunks
	}
	return docs, nil
}

func (r *DocumentRepo) ListChunks(ctx context.Context, d models.Document) ([]models.Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT chunk_id, chunk_index, text, token_count, overlap, page_start, page_end
FROM chunks
WHERE document_id=$1
ORDER BY chunk_index`, d.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	meta := d.Metadata()
	out := make([]models.Chunk, 0)
	for rows.Next() {
		c := models.Chunk{DocumentID: d.ID, Metadata: meta}
		if err := rows.Scan(&c.ID, &c.Index, &c.Text, &c.TokenCount, &c.Overlap, &c.PageStart, &c.PageEnd); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *DocumentRepo) GetDocument(ctx context.Context, documentID string) (models.Document, error) {
	var d models.Document
	var pages string
	err := r.db.Pool.QueryRow(ctx, `
SELECT document_id, title, author, year, filename, source_path, pages::text, created_at
FROM documents
WHERE document_id=$1 AND status='processed'`, documentID).
		Scan(&d.ID, &d.Title, &d.Author, &d.Year, &d.Filename, &d.SourcePath, &pages, &d.CreatedAt)
	if err != nil {
		return models.Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	if err := json.Unmarshal([]byte(pages), &d.Pages); err != nil {
		return models.Document{}, fmt.Errorf("decode pages %s: %w", d.ID, err)
	}
	chunks, err := r.ListChunks(ctx, d)
	if err != nil {
		return models.Document{}, err
	}
	d.Chunks = chunks
	return d, nil
}
