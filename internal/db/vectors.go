package db

import (
	"context"
	"fmt"
	"slices"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

var _ vectorindex.VectorStore = (*Client)(nil)

type vectorHitRow struct {
	DocumentID   string  `json:"document_id"`
	TenantID     string  `json:"tenant_id"`
	CollectionID string  `json:"collection_id"`
	Score        float64 `json:"score"`
}

type modelRow struct {
	Model string `json:"model"`
	Dim   int    `json:"dim"`
}

func vectorKey(ns models.Namespace, documentID string) string {
	return ns.String() + "/" + documentID
}

func checkNamespace(ns models.Namespace) error {
	if !ns.Valid() {
		return fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	return nil
}

// UpsertVectors writes each record under its namespace-scoped record id.
func (c *Client) UpsertVectors(ctx context.Context, ns models.Namespace, records []models.VectorRecord) ([]models.ItemError, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}

	sql := `
		UPSERT type::record("kb_vector", $key) SET
			namespace = $ns,
			document_id = $document_id,
			tenant_id = $tenant_id,
			collection_id = $collection_id,
			model = $model,
			dim = $dim,
			embedding = $embedding,
			updated_at = $now
	`
	var failed []models.ItemError
	now := c.now().UnixMilli()
	for _, r := range records {
		if r.Dim != len(r.Vector) {
			failed = append(failed, models.ItemError{ID: r.DocumentID, Err: models.ErrDimensionMismatch})
			continue
		}
		_, err := queryLast[any](ctx, c, sql, map[string]any{
			"key":           vectorKey(ns, r.DocumentID),
			"ns":            ns.String(),
			"document_id":   r.DocumentID,
			"tenant_id":     ns.TenantID(),
			"collection_id": r.CollectionID,
			"model":         r.Model,
			"dim":           r.Dim,
			"embedding":     r.Vector,
			"now":           now,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed = append(failed, models.ItemError{ID: r.DocumentID, Err: err})
		}
	}
	return failed, nil
}

// QueryVectors ranks the namespace's vectors by exact cosine similarity.
func (c *Client) QueryVectors(ctx context.Context, ns models.Namespace, query []float32, topK int, collectionID string) ([]models.VectorHit, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	collClause := ""
	vars := map[string]any{
		"ns":    ns.String(),
		"q":     query,
		"dim":   len(query),
		"limit": topK,
	}
	if collectionID != "" {
		collClause = "AND collection_id = $collection_id"
		vars["collection_id"] = collectionID
	}

	sql := fmt.Sprintf(`
		SELECT document_id, tenant_id, collection_id,
			vector::similarity::cosine(embedding, $q) AS score
		FROM kb_vector
		WHERE namespace = $ns AND dim = $dim %s
		ORDER BY score DESC
		LIMIT $limit
	`, collClause)

	rows, err := queryLast[[]vectorHitRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	hits := make([]models.VectorHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, models.VectorHit{
			DocumentID:   r.DocumentID,
			TenantID:     r.TenantID,
			CollectionID: r.CollectionID,
			Score:        r.Score,
		})
	}
	return vectorindex.SortHits(hits, topK), nil
}

// DeleteCollectionVectors removes a collection's vectors.
func (c *Client) DeleteCollectionVectors(ctx context.Context, ns models.Namespace, collectionID string) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	deleted, err := queryLast[[]any](ctx, c,
		`DELETE kb_vector WHERE namespace = $ns AND collection_id = $collection_id RETURN BEFORE`,
		map[string]any{"ns": ns.String(), "collection_id": collectionID})
	if err != nil {
		return 0, fmt.Errorf("delete collection vectors: %w", err)
	}
	return len(deleted), nil
}

// DeleteVectors removes vectors by document id.
func (c *Client) DeleteVectors(ctx context.Context, ns models.Namespace, ids []string) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	deleted, err := queryLast[[]any](ctx, c,
		`DELETE kb_vector WHERE namespace = $ns AND document_id IN $ids RETURN BEFORE`,
		map[string]any{"ns": ns.String(), "ids": ids})
	if err != nil {
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	return len(deleted), nil
}

// ListVectorIDs lists document ids with a vector in ns.
func (c *Client) ListVectorIDs(ctx context.Context, ns models.Namespace, collectionID string) ([]string, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	sql := `SELECT VALUE document_id FROM kb_vector WHERE namespace = $ns`
	vars := map[string]any{"ns": ns.String()}
	if collectionID != "" {
		sql += ` AND collection_id = $collection_id`
		vars["collection_id"] = collectionID
	}
	ids, err := queryLast[[]string](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list vector ids: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// CollectionModel returns the model and dimension stored for a collection.
func (c *Client) CollectionModel(ctx context.Context, ns models.Namespace, collectionID string) (string, int, bool, error) {
	if err := checkNamespace(ns); err != nil {
		return "", 0, false, err
	}
	rows, err := queryLast[[]modelRow](ctx, c,
		`SELECT model, dim FROM kb_vector WHERE namespace = $ns AND collection_id = $collection_id LIMIT 1`,
		map[string]any{"ns": ns.String(), "collection_id": collectionID})
	if err != nil {
		return "", 0, false, fmt.Errorf("collection model: %w", err)
	}
	if len(rows) == 0 {
		return "", 0, false, nil
	}
	return rows[0].Model, rows[0].Dim, true, nil
}

// ListTenants returns tenants with vectors or documents.
func (c *Client) ListTenants(ctx context.Context) ([]string, error) {
	tenants, err := queryLast[[]string](ctx, c, `
		RETURN array::sort(array::distinct(array::concat(
			(SELECT VALUE tenant_id FROM kb_vector),
			(SELECT VALUE tenant_id FROM kb_document)
		)))
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}
