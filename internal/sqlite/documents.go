package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

var _ vectorindex.MetadataStore = (*Store)(nil)

// PutDocuments upserts documents by id, keeping the original created_at.
func (s *Store) PutDocuments(ctx context.Context, docs []models.Document) ([]models.ItemError, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin put documents: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_documents (id, tenant_id, collection_id, url, title, content, type,
			chunk_index, total_chunks, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			content = excluded.content,
			type = excluded.type,
			chunk_index = excluded.chunk_index,
			total_chunks = excluded.total_chunks,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare put documents: %w", err)
	}
	defer stmt.Close()

	var failed []models.ItemError
	now := s.now()
	for _, d := range docs {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			failed = append(failed, models.ItemError{ID: d.ID, Err: err})
			continue
		}
		created, updated := d.CreatedAt, d.UpdatedAt
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = now
		}
		_, err = stmt.ExecContext(ctx, d.ID, d.TenantID, d.CollectionID, d.URL, d.Title, d.Content,
			string(d.Type), d.ChunkIndex, d.TotalChunks, string(meta), millis(created), millis(updated))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed = append(failed, models.ItemError{ID: d.ID, Err: err})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit put documents: %w", err)
	}
	return failed, nil
}

// GetDocuments loads documents by id without filtering by tenant.
func (s *Store) GetDocuments(ctx context.Context, ids []string) (map[string]models.Document, error) {
	out := make(map[string]models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for batch := range slices.Chunk(ids, maxIDsPerQuery) {
		if err := s.getDocumentBatch(ctx, batch, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) getDocumentBatch(ctx context.Context, ids []string, out map[string]models.Document) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, collection_id, url, title, content, type,
			chunk_index, total_chunks, metadata, created_at, updated_at
		FROM kb_documents WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("get documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return err
		}
		out[d.ID] = d
	}
	return rows.Err()
}

func scanDocument(rows *sql.Rows) (models.Document, error) {
	var (
		d                models.Document
		typ              string
		meta             sql.NullString
		created, updated int64
	)
	err := rows.Scan(&d.ID, &d.TenantID, &d.CollectionID, &d.URL, &d.Title, &d.Content, &typ,
		&d.ChunkIndex, &d.TotalChunks, &meta, &created, &updated)
	if err != nil {
		return d, fmt.Errorf("scan document: %w", err)
	}
	d.Type = models.DocumentType(typ)
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
			return d, fmt.Errorf("decode metadata of %s: %w", d.ID, err)
		}
	}
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

// ListDocumentIDs lists a tenant's documents updated before the given time.
func (s *Store) ListDocumentIDs(ctx context.Context, tenantID string, updatedBefore time.Time) ([]string, error) {
	if updatedBefore.IsZero() {
		return s.queryStrings(ctx,
			`SELECT id FROM kb_documents WHERE tenant_id = ? ORDER BY id`, tenantID)
	}
	return s.queryStrings(ctx,
		`SELECT id FROM kb_documents WHERE tenant_id = ? AND updated_at < ? ORDER BY id`,
		tenantID, millis(updatedBefore))
}

// DeleteCollectionDocuments removes a collection's documents.
func (s *Store) DeleteCollectionDocuments(ctx context.Context, tenantID, collectionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kb_documents WHERE tenant_id = ? AND collection_id = ?`, tenantID, collectionID)
	if err != nil {
		return 0, fmt.Errorf("delete collection documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteDocuments removes a tenant's documents by id.
func (s *Store) DeleteDocuments(ctx context.Context, tenantID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.deleteByIDs(ctx, func(n int) string {
		return `DELETE FROM kb_documents WHERE tenant_id = ? AND id IN (` + placeholders(n) + `)`
	}, tenantID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return n, nil
}
