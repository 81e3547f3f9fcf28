package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

var _ vectorindex.MetadataStore = (*Client)(nil)

type documentRow struct {
	DocumentID   string            `json:"document_id"`
	TenantID     string            `json:"tenant_id"`
	CollectionID string            `json:"collection_id"`
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Type         string            `json:"type"`
	ChunkIndex   int               `json:"chunk_index"`
	TotalChunks  int               `json:"total_chunks"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
}

func (r documentRow) document() models.Document {
	return models.Document{
		ID:           r.DocumentID,
		TenantID:     r.TenantID,
		CollectionID: r.CollectionID,
		URL:          r.URL,
		Title:        r.Title,
		Content:      r.Content,
		Type:         models.DocumentType(r.Type),
		ChunkIndex:   r.ChunkIndex,
		TotalChunks:  r.TotalChunks,
		Metadata:     r.Metadata,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

const documentFields = `document_id, tenant_id, collection_id, url, title, content, type,
	chunk_index, total_chunks, metadata, created_at, updated_at`

// PutDocuments upserts each document, keeping created_at of existing rows.
func (c *Client) PutDocuments(ctx context.Context, docs []models.Document) ([]models.ItemError, error) {
	sql := `
		UPSERT type::record("kb_document", $document_id) SET
			document_id = $document_id,
			tenant_id = $tenant_id,
			collection_id = $collection_id,
			url = $url,
			title = $title,
			content = $content,
			type = $type,
			chunk_index = $chunk_index,
			total_chunks = $total_chunks,
			metadata = $metadata,
			created_at = IF created_at THEN created_at ELSE $created_at END,
			updated_at = $updated_at
	`
	var failed []models.ItemError
	now := c.now()
	for _, d := range docs {
		created, updated := d.CreatedAt, d.UpdatedAt
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = now
		}
		var meta map[string]string
		if len(d.Metadata) > 0 {
			meta = d.Metadata
		}
		_, err := queryLast[any](ctx, c, sql, map[string]any{
			"document_id":   d.ID,
			"tenant_id":     d.TenantID,
			"collection_id": d.CollectionID,
			"url":           d.URL,
			"title":         d.Title,
			"content":       d.Content,
			"type":          string(d.Type),
			"chunk_index":   d.ChunkIndex,
			"total_chunks":  d.TotalChunks,
			"metadata":      meta,
			"created_at":    created.UnixMilli(),
			"updated_at":    updated.UnixMilli(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed = append(failed, models.ItemError{ID: d.ID, Err: err})
		}
	}
	return failed, nil
}

// GetDocuments loads documents by id without filtering by tenant.
func (c *Client) GetDocuments(ctx context.Context, ids []string) (map[string]models.Document, error) {
	out := make(map[string]models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := queryLast[[]documentRow](ctx, c,
		`SELECT `+documentFields+` FROM kb_document WHERE document_id IN $ids`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	for _, r := range rows {
		out[r.DocumentID] = r.document()
	}
	return out, nil
}

// ListDocumentIDs lists a tenant's documents updated before the given time.
func (c *Client) ListDocumentIDs(ctx context.Context, tenantID string, updatedBefore time.Time) ([]string, error) {
	sql := `SELECT VALUE document_id FROM kb_document WHERE tenant_id = $tenant_id`
	vars := map[string]any{"tenant_id": tenantID}
	if !updatedBefore.IsZero() {
		sql += ` AND updated_at < $before`
		vars["before"] = updatedBefore.UnixMilli()
	}
	ids, err := queryLast[[]string](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteCollectionDocuments removes a collection's documents.
func (c *Client) DeleteCollectionDocuments(ctx context.Context, tenantID, collectionID string) (int, error) {
	deleted, err := queryLast[[]any](ctx, c,
		`DELETE kb_document WHERE tenant_id = $tenant_id AND collection_id = $collection_id RETURN BEFORE`,
		map[string]any{"tenant_id": tenantID, "collection_id": collectionID})
	if err != nil {
		return 0, fmt.Errorf("delete collection documents: %w", err)
	}
	return len(deleted), nil
}

// DeleteDocuments removes a tenant's documents by id.
func (c *Client) DeleteDocuments(ctx context.Context, tenantID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted, err := queryLast[[]any](ctx, c,
		`DELETE kb_document WHERE tenant_id = $tenant_id AND document_id IN $ids RETURN BEFORE`,
		map[string]any{"tenant_id": tenantID, "ids": ids})
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return len(deleted), nil
}
