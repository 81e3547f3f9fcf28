package vectorindex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
)

func newTestIndex() (*Index, *MemoryVectorStore, *MemoryMetadataStore) {
	vs := NewMemoryVectorStore()
	ms := NewMemoryMetadataStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(vs, ms, logger, metrics.NewCollector()), vs, ms
}

// fixture builds a document and its vector for a page chunk.
func fixture(tenant, collection, url string, typ models.DocumentType, vec ...float32) (models.Document, models.EmbeddingVector) {
	now := time.Now().UTC()
	id := models.DocumentID(tenant, collection, url, 0)
	doc := models.Document{
		ID: id, TenantID: tenant, CollectionID: collection, URL: url, Title: url,
		Content: "content of " + url, Type: typ, TotalChunks: 1, CreatedAt: now, UpdatedAt: now,
	}
	return doc, models.EmbeddingVector{DocumentID: id, Vector: vec, Model: "m", Dim: len(vec)}
}

func upsert(t *testing.T, ix *Index, tenant, collection string, pairs ...func() (models.Document, models.EmbeddingVector)) {
	t.Helper()
	var docs []models.Document
	var vecs []models.EmbeddingVector
	for _, p := range pairs {
		d, v := p()
		docs = append(docs, d)
		vecs = append(vecs, v)
	}
	report, err := ix.Upsert(context.Background(), tenant, collection, docs, vecs)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
}

func pair(tenant, collection, url string, typ models.DocumentType, vec ...float32) func() (models.Document, models.EmbeddingVector) {
	return func() (models.Document, models.EmbeddingVector) { return fixture(tenant, collection, url, typ, vec...) }
}

func TestIndex_UpsertAndSearch(t *testing.T) {
	ix, _, _ := newTestIndex()
	ctx := context.Background()

	upsert(t, ix, "acme", "site",
		pair("acme", "site", "https://acme.com/returns", models.DocumentTypeFAQ, 1, 0, 0),
		pair("acme", "site", "https://acme.com/shoes", models.DocumentTypeProduct, 0.8, 0.6, 0),
		pair("acme", "site", "https://acme.com/blog", models.DocumentTypeArticle, 0, 0, 1),
	)

	results, err := ix.Search(ctx, "acme", "site", []float32{1, 0, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://acme.com/returns", results[0].Metadata.URL)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "https://acme.com/shoes", results[1].Metadata.URL)
	assert.Equal(t, "content of https://acme.com/returns", results[0].Content)
	assert.Equal(t, "acme", results[0].Metadata.TenantID)
	assert.Equal(t, models.DocumentTypeFAQ, results[0].Metadata.Type)

	results, err = ix.Search(ctx, "acme", "site", []float32{1, 0, 0}, 5, Filter{Types: []models.DocumentType{models.DocumentTypeProduct}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DocumentTypeProduct, results[0].Metadata.Type)

	results, err = ix.Search(ctx, "acme", "site", []float32{1, 0, 0}, 5, Filter{MinScore: 0.5})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestIndex_SearchWidensForSelectiveFilter(t *testing.T) {
	ix, _, _ := newTestIndex()

	var pairs []func() (models.Document, models.EmbeddingVector)
	for i := range 30 {
		pairs = append(pairs, pair("acme", "site", fmt.Sprintf("https://acme.com/page-%d", i), models.DocumentTypeWebpage, 1, float32(i)/100, 0))
	}
	for i := range 3 {
		pairs = append(pairs, pair("acme", "site", fmt.Sprintf("https://acme.com/faq-%d", i), models.DocumentTypeFAQ, 0.1, 0, float32(i+1)))
	}
	upsert(t, ix, "acme", "site", pairs...)

	results, err := ix.Search(context.Background(), "acme", "site", []float32{1, 0, 0}, 3,
		Filter{Types: []models.DocumentType{models.DocumentTypeFAQ}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, models.DocumentTypeFAQ, r.Metadata.Type)
	}
	assert.Equal(t, "https://acme.com/faq-0", results[0].Metadata.URL)
}

func TestIndex_UpsertIdempotent(t *testing.T) {
	ix, vs, ms := newTestIndex()
	p := pair("acme", "site", "https://acme.com/", models.DocumentTypeWebpage, 1, 0)

	upsert(t, ix, "acme", "site", p)
	upsert(t, ix, "acme", "site", p)

	ns, err := models.NamespaceFor("acme")
	require.NoError(t, err)
	ids, err := vs.ListVectorIDs(context.Background(), ns, "")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	docIDs, err := ms.ListDocumentIDs(context.Background(), "acme", time.Time{})
	require.NoError(t, err)
	assert.Len(t, docIDs, 1)
}

func TestIndex_NoCrossTenantLeakage(t *testing.T) {
	ix, _, _ := newTestIndex()
	ctx := context.Background()

	// Same collection name, same URL, same vector for both tenants.
	upsert(t, ix, "tenant-a", "kb", pair("tenant-a", "kb", "https://shared.com/", models.DocumentTypeWebpage, 1, 1))
	upsert(t, ix, "tenant-b", "kb", pair("tenant-b", "kb", "https://shared.com/", models.DocumentTypeWebpage, 1, 1))
	upsert(t, ix, "tenant-b", "kb", pair("tenant-b", "kb", "https://b-only.com/", models.DocumentTypeWebpage, 1, 0.9))

	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		results, err := ix.Search(ctx, tenant, "kb", []float32{1, 1}, 5, Filter{})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		for _, r := range results {
			assert.Equal(t, tenant, r.Metadata.TenantID)
		}
	}

	results, err := ix.Search(ctx, "tenant-c", "kb", []float32{1, 1}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndex_UpsertRejectsForeignDocument(t *testing.T) {
	ix, _, ms := newTestIndex()
	doc, vec := fixture("tenant-b", "kb", "https://b.com/", models.DocumentTypeWebpage, 1, 0)

	_, err := ix.Upsert(context.Background(), "tenant-a", "kb", []models.Document{doc}, []models.EmbeddingVector{vec})

	var violation *models.TenantIsolationViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "tenant-a", violation.RequestedTenant)
	assert.Equal(t, "tenant-b", violation.FoundTenant)

	tenants, err := ms.ListTenants(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tenants, "nothing written")
}

func TestIndex_SearchDetectsForeignMetadata(t *testing.T) {
	ix, vs, ms := newTestIndex()
	ctx := context.Background()

	nsA, err := models.NamespaceFor("tenant-a")
	require.NoError(t, err)
	_, err = vs.UpsertVectors(ctx, nsA, []models.VectorRecord{{
		DocumentID: "doc-1", TenantID: "tenant-a", CollectionID: "kb", Vector: []float32{1, 0}, Model: "m", Dim: 2,
	}})
	require.NoError(t, err)
	_, err = ms.PutDocuments(ctx, []models.Document{{ID: "doc-1", TenantID: "tenant-b", CollectionID: "kb"}})
	require.NoError(t, err)

	_, err = ix.Search(ctx, "tenant-a", "kb", []float32{1, 0}, 3, Filter{})
	assert.True(t, IsIsolationViolation(err))
}

func TestIndex_SearchSkipsOrphans(t *testing.T) {
	ix, vs, _ := newTestIndex()
	ctx := context.Background()
	upsert(t, ix, "acme", "site", pair("acme", "site", "https://acme.com/a", models.DocumentTypeWebpage, 0.9, 0.1))

	ns, err := models.NamespaceFor("acme")
	require.NoError(t, err)
	_, err = vs.UpsertVectors(ctx, ns, []models.VectorRecord{{
		DocumentID: "ghost", TenantID: "acme", CollectionID: "site", Vector: []float32{1, 0}, Model: "m", Dim: 2,
	}})
	require.NoError(t, err)

	results, err := ix.Search(ctx, "acme", "site", []float32{1, 0}, 3, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://acme.com/a", results[0].Metadata.URL)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	ix, _, _ := newTestIndex()
	upsert(t, ix, "acme", "site", pair("acme", "site", "https://acme.com/a", models.DocumentTypeWebpage, 1, 0, 0))

	doc, vec := fixture("acme", "site", "https://acme.com/b", models.DocumentTypeWebpage, 1, 0, 0, 0)
	_, err := ix.Upsert(context.Background(), "acme", "site", []models.Document{doc}, []models.EmbeddingVector{vec})

	var ierr *models.VectorIndexError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)

	// A different collection may use another model.
	doc, vec = fixture("acme", "other", "https://acme.com/b", models.DocumentTypeWebpage, 1, 0, 0, 0)
	_, err = ix.Upsert(context.Background(), "acme", "other", []models.Document{doc}, []models.EmbeddingVector{vec})
	assert.NoError(t, err)
}

func TestIndex_PerItemFailures(t *testing.T) {
	ix, _, _ := newTestIndex()
	d1, v1 := fixture("acme", "site", "https://acme.com/1", models.DocumentTypeWebpage, 1, 0)
	d2, v2 := fixture("acme", "site", "https://acme.com/2", models.DocumentTypeWebpage, 0, 1)
	v2.Vector = []float32{0, 1, 0}

	report, err := ix.Upsert(context.Background(), "acme", "site", []models.Document{d1, d2}, []models.EmbeddingVector{v1, v2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Upserted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, d2.ID, report.Failed[0].ID)
	assert.ErrorIs(t, report.Failed[0], models.ErrDimensionMismatch)
}

func TestIndex_InvalidInput(t *testing.T) {
	ix, _, _ := newTestIndex()
	ctx := context.Background()

	_, err := ix.Search(ctx, "", "kb", []float32{1}, 3, Filter{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = ix.Search(ctx, "t", "kb", []float32{1}, 0, Filter{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = ix.Upsert(ctx, "t", "kb", []models.Document{{}}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = ix.Delete(ctx, "t", "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestIndex_Delete(t *testing.T) {
	ix, _, _ := newTestIndex()
	ctx := context.Background()
	upsert(t, ix, "acme", "site",
		pair("acme", "site", "https://acme.com/a", models.DocumentTypeWebpage, 1, 0),
		pair("acme", "site", "https://acme.com/b", models.DocumentTypeWebpage, 0, 1),
	)
	upsert(t, ix, "acme", "docs", pair("acme", "docs", "https://docs.acme.com/", models.DocumentTypeWebpage, 1, 0))

	report, err := ix.Delete(ctx, "acme", "site")
	require.NoError(t, err)
	assert.Equal(t, DeleteReport{Vectors: 2, Documents: 2}, report)

	results, err := ix.Search(ctx, "acme", "site", []float32{1, 0}, 3, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = ix.Search(ctx, "acme", "docs", []float32{1, 0}, 3, Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestIndex_Reconcile(t *testing.T) {
	ix, vs, ms := newTestIndex()
	ctx := context.Background()
	upsert(t, ix, "acme", "site", pair("acme", "site", "https://acme.com/ok", models.DocumentTypeWebpage, 1, 0))

	ns, err := models.NamespaceFor("acme")
	require.NoError(t, err)

	// orphan vector: metadata gone
	_, err = vs.UpsertVectors(ctx, ns, []models.VectorRecord{{DocumentID: "ghost", TenantID: "acme", CollectionID: "site", Vector: []float32{0, 1}, Model: "m", Dim: 2}})
	require.NoError(t, err)

	// orphan metadata, old and young
	old := time.Now().Add(-time.Hour)
	_, err = ms.PutDocuments(ctx, []models.Document{
		{ID: "stale", TenantID: "acme", CollectionID: "site", UpdatedAt: old},
		{ID: "fresh", TenantID: "acme", CollectionID: "site", UpdatedAt: time.Now()},
	})
	require.NoError(t, err)

	report, err := ix.Reconcile(ctx, "acme", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanVectors)
	assert.Equal(t, 1, report.OrphanDocuments)

	remaining, err := ms.ListDocumentIDs(ctx, "acme", time.Time{})
	require.NoError(t, err)
	okID := models.DocumentID("acme", "site", "https://acme.com/ok", 0)
	assert.ElementsMatch(t, []string{okID, "fresh"}, remaining)

	ids, err := vs.ListVectorIDs(ctx, ns, "")
	require.NoError(t, err)
	assert.Equal(t, []string{okID}, ids)

	report, err = ix.Reconcile(ctx, "acme", 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, report.OrphanVectors+report.OrphanDocuments)
}

func TestIndex_Tenants(t *testing.T) {
	ix, _, _ := newTestIndex()
	upsert(t, ix, "b", "kb", pair("b", "kb", "https://b.com/", models.DocumentTypeWebpage, 1))
	upsert(t, ix, "a", "kb", pair("a", "kb", "https://a.com/", models.DocumentTypeWebpage, 1))

	tenants, err := ix.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tenants)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 2}))
}
