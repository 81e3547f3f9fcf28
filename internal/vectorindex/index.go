package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
)

// searchOverfetch is the initial store query size per requested result and
// the factor it grows by while filtered hits leave fewer than topK.
const searchOverfetch = 3

// Filter narrows search results.
type Filter struct {
	// Types keeps only these document types when non-empty.
	Types []models.DocumentType
	// MinScore drops hits scoring below it.
	MinScore float64
}

// UpsertReport summarizes a partially successful upsert.
type UpsertReport struct {
	Upserted int
	Failed   []models.ItemError
}

// DeleteReport counts what a delete removed.
type DeleteReport struct {
	Vectors   int `json:"vectors"`
	Documents int `json:"documents"`
}

// ReconcileReport counts what a reconciliation removed.
type ReconcileReport struct {
	TenantID        string `json:"tenant_id"`
	OrphanVectors   int    `json:"orphan_vectors"`
	OrphanDocuments int    `json:"orphan_documents"`
}

// Index is the tenant-scoped view over a vector store and a metadata store.
type Index struct {
	vectors VectorStore
	meta    MetadataStore
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates an index over the given stores.
func New(vectors VectorStore, meta MetadataStore, logger *slog.Logger, mc *metrics.Collector) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{vectors: vectors, meta: meta, logger: logger, metrics: mc, now: time.Now}
}

func checkScope(tenantID, collectionID string) error {
	if tenantID == "" || collectionID == "" {
		return fmt.Errorf("%w: tenant and collection are required", models.ErrInvalidInput)
	}
	return nil
}

// Upsert writes documents and their vectors. Metadata is written first so a
// vector never exists without a document except after a partial failure,
// which Reconcile cleans up.
func (ix *Index) Upsert(ctx context.Context, tenantID, collectionID string, docs []models.Document, vectors []models.EmbeddingVector) (*UpsertReport, error) {
	start := time.Now()
	report, err := ix.upsert(ctx, tenantID, collectionID, docs, vectors)
	if err != nil {
		ix.metrics.RecordError(metrics.OpIndexUpsert, time.Since(start))
		return report, err
	}
	ix.metrics.RecordTiming(metrics.OpIndexUpsert, time.Since(start))
	return report, nil
}

func (ix *Index) upsert(ctx context.Context, tenantID, collectionID string, docs []models.Document, vectors []models.EmbeddingVector) (*UpsertReport, error) {
	if err := checkScope(tenantID, collectionID); err != nil {
		return nil, err
	}
	if len(docs) != len(vectors) {
		return nil, fmt.Errorf("%w: %d documents but %d vectors", models.ErrInvalidInput, len(docs), len(vectors))
	}
	report := &UpsertReport{}
	if len(docs) == 0 {
		return report, nil
	}

	for _, d := range docs {
		if d.TenantID != tenantID || d.CollectionID != collectionID {
			v := &models.TenantIsolationViolation{RequestedTenant: tenantID, FoundTenant: d.TenantID, DocumentID: d.ID}
			ix.logger.Error("rejected cross-tenant upsert", "tenant_id", tenantID, "collection_id", collectionID,
				"document_id", d.ID, "document_tenant", d.TenantID, "document_collection", d.CollectionID)
			return nil, v
		}
	}

	ns, err := models.NamespaceFor(tenantID)
	if err != nil {
		return nil, err
	}
	wrap := func(op string, err error) error {
		return &models.VectorIndexError{Op: op, TenantID: tenantID, CollectionID: collectionID, Err: err}
	}

	model, dim, found, err := ix.vectors.CollectionModel(ctx, ns, collectionID)
	if err != nil {
		return nil, wrap("upsert", err)
	}
	if !found {
		model, dim = vectors[0].Model, vectors[0].Dim
	}
	if vectors[0].Model != model || vectors[0].Dim != dim {
		return nil, wrap("upsert", fmt.Errorf("%w: collection holds %s/%d, got %s/%d",
			models.ErrDimensionMismatch, model, dim, vectors[0].Model, vectors[0].Dim))
	}

	validDocs := make([]models.Document, 0, len(docs))
	byID := make(map[string]models.EmbeddingVector, len(docs))
	for i, d := range docs {
		v := vectors[i]
		switch {
		case v.DocumentID != d.ID:
			report.Failed = append(report.Failed, models.ItemError{ID: d.ID,
				Err: fmt.Errorf("%w: vector for %s paired with document %s", models.ErrInvalidInput, v.DocumentID, d.ID)})
		case v.Model != model || v.Dim != dim || len(v.Vector) != dim:
			report.Failed = append(report.Failed, models.ItemError{ID: d.ID,
				Err: fmt.Errorf("%w: want %s/%d, got %s/%d", models.ErrDimensionMismatch, model, dim, v.Model, len(v.Vector))})
		default:
			validDocs = append(validDocs, d)
			byID[d.ID] = v
		}
	}
	if len(validDocs) == 0 {
		return report, nil
	}

	metaFailed, err := ix.meta.PutDocuments(ctx, validDocs)
	if err != nil {
		return nil, wrap("upsert metadata", err)
	}
	report.Failed = append(report.Failed, metaFailed...)
	skip := failedIDs(metaFailed)

	records := make([]models.VectorRecord, 0, len(validDocs))
	for _, d := range validDocs {
		if skip[d.ID] {
			continue
		}
		v := byID[d.ID]
		records = append(records, models.VectorRecord{
			DocumentID:   d.ID,
			TenantID:     tenantID,
			CollectionID: collectionID,
			Vector:       v.Vector,
			Model:        v.Model,
			Dim:          v.Dim,
		})
	}
	if len(records) == 0 {
		return report, nil
	}

	vecFailed, err := ix.vectors.UpsertVectors(ctx, ns, records)
	if err != nil {
		return nil, wrap("upsert vectors", err)
	}
	report.Failed = append(report.Failed, vecFailed...)
	report.Upserted = len(records) - len(vecFailed)

	if len(report.Failed) > 0 {
		ix.logger.Warn("upsert finished with failures", "tenant_id", tenantID, "collection_id", collectionID,
			"upserted", report.Upserted, "failed", len(report.Failed))
	}
	return report, nil
}

// Search returns the topK documents of one collection most similar to query.
func (ix *Index) Search(ctx context.Context, tenantID, collectionID string, query []float32, topK int, filter Filter) ([]models.SearchResult, error) {
	start := time.Now()
	results, err := ix.search(ctx, tenantID, collectionID, query, topK, filter)
	if err != nil {
		ix.metrics.RecordError(metrics.OpIndexSearch, time.Since(start))
		return nil, err
	}
	ix.metrics.RecordTiming(metrics.OpIndexSearch, time.Since(start))
	return results, nil
}

func (ix *Index) search(ctx context.Context, tenantID, collectionID string, query []float32, topK int, filter Filter) ([]models.SearchResult, error) {
	if err := checkScope(tenantID, collectionID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", models.ErrInvalidInput)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", models.ErrInvalidInput)
	}
	ns, err := models.NamespaceFor(tenantID)
	if err != nil {
		return nil, err
	}

	// Widen the store query until enough hits survive filtering or the
	// collection is exhausted.
	for fetch := topK * searchOverfetch; ; fetch *= searchOverfetch {
		hits, err := ix.vectors.QueryVectors(ctx, ns, query, fetch, collectionID)
		if err != nil {
			return nil, &models.VectorIndexError{Op: "search", TenantID: tenantID, CollectionID: collectionID, Err: err}
		}
		if len(hits) == 0 {
			return nil, nil
		}
		hits = SortHits(hits, 0)
		results, err := ix.resolve(ctx, tenantID, collectionID, hits, topK, filter)
		if err != nil {
			return nil, err
		}
		if len(results) == topK || len(hits) < fetch || hits[len(hits)-1].Score < filter.MinScore {
			return results, nil
		}
		ix.logger.Debug("widening search", "tenant_id", tenantID, "collection_id", collectionID,
			"fetched", len(hits), "kept", len(results))
	}
}

// resolve joins score-ordered hits with their documents and keeps up to
// topK that pass filter.
func (ix *Index) resolve(ctx context.Context, tenantID, collectionID string, hits []models.VectorHit, topK int, filter Filter) ([]models.SearchResult, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		if h.TenantID != "" && h.TenantID != tenantID {
			return nil, ix.violation(tenantID, h.TenantID, h.DocumentID)
		}
		ids[i] = h.DocumentID
	}

	docs, err := ix.meta.GetDocuments(ctx, ids)
	if err != nil {
		return nil, &models.VectorIndexError{Op: "search metadata", TenantID: tenantID, CollectionID: collectionID, Err: err}
	}

	results := make([]models.SearchResult, 0, topK)
	for _, h := range hits {
		doc, ok := docs[h.DocumentID]
		if !ok {
			ix.logger.Debug("skipping orphan vector", "tenant_id", tenantID, "document_id", h.DocumentID)
			continue
		}
		if doc.TenantID != tenantID {
			return nil, ix.violation(tenantID, doc.TenantID, doc.ID)
		}
		if doc.CollectionID != collectionID {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, doc.Type) {
			continue
		}
		if h.Score < filter.MinScore {
			continue
		}
		results = append(results, models.SearchResult{
			DocumentID: doc.ID,
			Score:      h.Score,
			Content:    doc.Content,
			Metadata: models.SearchMetadata{
				TenantID:     doc.TenantID,
				CollectionID: doc.CollectionID,
				URL:          doc.URL,
				Title:        doc.Title,
				Type:         doc.Type,
				ChunkIndex:   doc.ChunkIndex,
				TotalChunks:  doc.TotalChunks,
			},
		})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func (ix *Index) violation(requested, found, docID string) error {
	ix.logger.Error("tenant isolation violation", "tenant_id", requested, "found_tenant", found, "document_id", docID)
	return &models.TenantIsolationViolation{RequestedTenant: requested, FoundTenant: found, DocumentID: docID}
}

// Delete removes a collection, vectors first. The two stores are not updated
// atomically; Reconcile removes whatever a failed delete leaves behind.
func (ix *Index) Delete(ctx context.Context, tenantID, collectionID string) (DeleteReport, error) {
	start := time.Now()
	defer func() { ix.metrics.RecordTiming(metrics.OpIndexDelete, time.Since(start)) }()

	var report DeleteReport
	if err := checkScope(tenantID, collectionID); err != nil {
		return report, err
	}
	ns, err := models.NamespaceFor(tenantID)
	if err != nil {
		return report, err
	}

	report.Vectors, err = ix.vectors.DeleteCollectionVectors(ctx, ns, collectionID)
	if err != nil {
		return report, &models.VectorIndexError{Op: "delete vectors", TenantID: tenantID, CollectionID: collectionID, Err: err}
	}
	report.Documents, err = ix.meta.DeleteCollectionDocuments(ctx, tenantID, collectionID)
	if err != nil {
		return report, &models.VectorIndexError{Op: "delete metadata", TenantID: tenantID, CollectionID: collectionID, Err: err}
	}

	ix.logger.Info("collection deleted", "tenant_id", tenantID, "collection_id", collectionID,
		"vectors", report.Vectors, "documents", report.Documents)
	return report, nil
}

// Reconcile removes vectors without metadata, and metadata older than grace
// without a vector. Younger metadata may belong to an upsert in progress.
func (ix *Index) Reconcile(ctx context.Context, tenantID string, grace time.Duration) (ReconcileReport, error) {
	start := time.Now()
	defer func() { ix.metrics.RecordTiming(metrics.OpReconcile, time.Since(start)) }()

	report := ReconcileReport{TenantID: tenantID}
	ns, err := models.NamespaceFor(tenantID)
	if err != nil {
		return report, err
	}
	wrap := func(op string, err error) error {
		return &models.VectorIndexError{Op: op, TenantID: tenantID, Err: err}
	}

	// Taken before listing vectors so documents written after it are never judged.
	cutoff := ix.now().Add(-grace)

	vectorIDs, err := ix.vectors.ListVectorIDs(ctx, ns, "")
	if err != nil {
		return report, wrap("reconcile list vectors", err)
	}
	docs, err := ix.meta.GetDocuments(ctx, vectorIDs)
	if err != nil {
		return report, wrap("reconcile load metadata", err)
	}

	var orphanVectors []string
	for _, id := range vectorIDs {
		doc, ok := docs[id]
		if !ok {
			orphanVectors = append(orphanVectors, id)
			continue
		}
		if doc.TenantID != tenantID {
			return report, ix.violation(tenantID, doc.TenantID, id)
		}
	}
	if len(orphanVectors) > 0 {
		report.OrphanVectors, err = ix.vectors.DeleteVectors(ctx, ns, orphanVectors)
		if err != nil {
			return report, wrap("reconcile delete vectors", err)
		}
	}

	hasVector := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		hasVector[id] = true
	}
	oldDocIDs, err := ix.meta.ListDocumentIDs(ctx, tenantID, cutoff)
	if err != nil {
		return report, wrap("reconcile list documents", err)
	}
	var orphanDocs []string
	for _, id := range oldDocIDs {
		if !hasVector[id] {
			orphanDocs = append(orphanDocs, id)
		}
	}
	if len(orphanDocs) > 0 {
		report.OrphanDocuments, err = ix.meta.DeleteDocuments(ctx, tenantID, orphanDocs)
		if err != nil {
			return report, wrap("reconcile delete documents", err)
		}
	}

	if report.OrphanVectors+report.OrphanDocuments > 0 {
		ix.metrics.Add(metrics.CounterOrphansRemoved, int64(report.OrphanVectors+report.OrphanDocuments))
		ix.logger.Info("reconciled tenant", "tenant_id", tenantID,
			"orphan_vectors", report.OrphanVectors, "orphan_documents", report.OrphanDocuments)
	}
	return report, nil
}

// Tenants lists every tenant known to either store.
func (ix *Index) Tenants(ctx context.Context) ([]string, error) {
	a, err := ix.vectors.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	b, err := ix.meta.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	all := append(a, b...)
	slices.Sort(all)
	return slices.Compact(all), nil
}

// IsIsolationViolation reports whether err is a TenantIsolationViolation.
func IsIsolationViolation(err error) bool {
	var v *models.TenantIsolationViolation
	return errors.As(err, &v)
}

func failedIDs(items []models.ItemError) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it.ID] = true
	}
	return m
}
