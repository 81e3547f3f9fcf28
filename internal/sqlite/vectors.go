package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

var _ vectorindex.VectorStore = (*Store)(nil)

// UpsertVectors writes records into the namespace in one transaction.
func (s *Store) UpsertVectors(ctx context.Context, ns models.Namespace, records []models.VectorRecord) ([]models.ItemError, error) {
	if !ns.Valid() {
		return nil, fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_vectors (namespace, document_id, tenant_id, collection_id, model, dim, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, document_id) DO UPDATE SET
			collection_id = excluded.collection_id,
			model = excluded.model,
			dim = excluded.dim,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var failed []models.ItemError
	now := millis(s.now())
	for _, r := range records {
		if r.Dim != len(r.Vector) {
			failed = append(failed, models.ItemError{ID: r.DocumentID, Err: models.ErrDimensionMismatch})
			continue
		}
		_, err := stmt.ExecContext(ctx, ns.String(), r.DocumentID, ns.TenantID(), r.CollectionID,
			r.Model, r.Dim, encodeVector(r.Vector), now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed = append(failed, models.ItemError{ID: r.DocumentID, Err: err})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return failed, nil
}

// QueryVectors scans the namespace and ranks by cosine similarity.
func (s *Store) QueryVectors(ctx context.Context, ns models.Namespace, query []float32, topK int, collectionID string) ([]models.VectorHit, error) {
	if !ns.Valid() {
		return nil, fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}

	q := `SELECT document_id, tenant_id, collection_id, embedding FROM kb_vectors WHERE namespace = ?`
	args := []any{ns.String()}
	if collectionID != "" {
		q += ` AND collection_id = ?`
		args = append(args, collectionID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var hits []models.VectorHit
	for rows.Next() {
		var (
			hit  models.VectorHit
			blob []byte
		)
		if err := rows.Scan(&hit.DocumentID, &hit.TenantID, &hit.CollectionID, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			s.logger.Warn("skipping corrupt vector", "document_id", hit.DocumentID, "error", err)
			continue
		}
		hit.Score = vectorindex.Cosine(query, vec)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return vectorindex.SortHits(hits, topK), nil
}

// DeleteCollectionVectors removes a collection's vectors from the namespace.
func (s *Store) DeleteCollectionVectors(ctx context.Context, ns models.Namespace, collectionID string) (int, error) {
	if !ns.Valid() {
		return 0, fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kb_vectors WHERE namespace = ? AND collection_id = ?`, ns.String(), collectionID)
	if err != nil {
		return 0, fmt.Errorf("delete collection vectors: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteVectors removes vectors by document id.
func (s *Store) DeleteVectors(ctx context.Context, ns models.Namespace, ids []string) (int, error) {
	if !ns.Valid() {
		return 0, fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.deleteByIDs(ctx, func(n int) string {
		return `DELETE FROM kb_vectors WHERE namespace = ? AND document_id IN (` + placeholders(n) + `)`
	}, ns.String(), ids)
	if err != nil {
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	return n, nil
}

// ListVectorIDs lists document ids with a vector in ns.
func (s *Store) ListVectorIDs(ctx context.Context, ns models.Namespace, collectionID string) ([]string, error) {
	if !ns.Valid() {
		return nil, fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	q := `SELECT document_id FROM kb_vectors WHERE namespace = ?`
	args := []any{ns.String()}
	if collectionID != "" {
		q += ` AND collection_id = ?`
		args = append(args, collectionID)
	}
	return s.queryStrings(ctx, q+` ORDER BY document_id`, args...)
}

// CollectionModel returns the model and dimension stored for a collection.
func (s *Store) CollectionModel(ctx context.Context, ns models.Namespace, collectionID string) (string, int, bool, error) {
	if !ns.Valid() {
		return "", 0, false, fmt.Errorf("%w: invalid namespace", models.ErrInvalidInput)
	}
	var (
		model string
		dim   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model, dim FROM kb_vectors WHERE namespace = ? AND collection_id = ? LIMIT 1`,
		ns.String(), collectionID).Scan(&model, &dim)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("collection model: %w", err)
	}
	return model, dim, true, nil
}

// ListTenants returns tenants with vectors or documents.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT tenant_id FROM kb_vectors
		UNION
		SELECT tenant_id FROM kb_documents
		ORDER BY tenant_id
	`)
}

func (s *Store) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
