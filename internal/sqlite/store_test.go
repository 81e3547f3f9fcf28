package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sitekb.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func testDoc(tenant, coll, url string, chunk int, content string) models.Document {
	return models.Document{
		ID:           models.DocumentID(tenant, coll, url, chunk),
		TenantID:     tenant,
		CollectionID: coll,
		URL:          url,
		Title:        "Title " + url,
		Content:      content,
		Type:         models.DocumentTypeWebpage,
		ChunkIndex:   chunk,
		TotalChunks:  1,
		Metadata:     map[string]string{"lang": "en"},
	}
}

func testVec(id string, v ...float32) models.EmbeddingVector {
	return models.EmbeddingVector{DocumentID: id, Vector: v, Model: "test", Dim: len(v)}
}

func TestOpen_Migrations(t *testing.T) {
	store := setupTestStore(t)

	var version int
	require.NoError(t, store.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 1, version)

	// Reopening applies nothing twice.
	path := store.Path()
	require.NoError(t, store.Close())
	again, err := Open(path, nil)
	require.NoError(t, err)
	defer again.Close()

	var count int
	require.NoError(t, again.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpen_Memory(t *testing.T) {
	store, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-8}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestIndex_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ix := vectorindex.New(store, store, nil, nil)

	a := testDoc("tenant-a", "docs", "https://a.test/", 0, "alpha content")
	b := testDoc("tenant-b", "docs", "https://b.test/", 0, "beta content")

	_, err := ix.Upsert(ctx, "tenant-a", "docs", []models.Document{a}, []models.EmbeddingVector{testVec(a.ID, 1, 0)})
	require.NoError(t, err)
	_, err = ix.Upsert(ctx, "tenant-b", "docs", []models.Document{b}, []models.EmbeddingVector{testVec(b.ID, 1, 0)})
	require.NoError(t, err)

	results, err := ix.Search(ctx, "tenant-a", "docs", []float32{1, 0}, 5, vectorindex.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].DocumentID)
	assert.Equal(t, "tenant-a", results[0].Metadata.TenantID)
	assert.Equal(t, "alpha content", results[0].Content)

	tenants, err := store.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
}

func TestVectors_QueryRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ns, err := models.NamespaceFor("t1")
	require.NoError(t, err)

	failed, err := store.UpsertVectors(ctx, ns, []models.VectorRecord{
		{DocumentID: "d1", CollectionID: "c1", Vector: []float32{1, 0}, Model: "m", Dim: 2},
		{DocumentID: "d2", CollectionID: "c1", Vector: []float32{0.6, 0.8}, Model: "m", Dim: 2},
		{DocumentID: "d3", CollectionID: "c2", Vector: []float32{1, 0}, Model: "m", Dim: 2},
		{DocumentID: "bad", CollectionID: "c1", Vector: []float32{1}, Model: "m", Dim: 2},
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].ID)
	assert.ErrorIs(t, failed[0], models.ErrDimensionMismatch)

	hits, err := store.QueryVectors(ctx, ns, []float32{1, 0}, 5, "c1")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d1", hits[0].DocumentID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)

	model, dim, found, err := store.CollectionModel(ctx, ns, "c1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "m", model)
	assert.Equal(t, 2, dim)

	_, _, found, err = store.CollectionModel(ctx, ns, "nope")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := store.DeleteCollectionVectors(ctx, ns, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := store.ListVectorIDs(ctx, ns, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"d3"}, ids)
}

func TestDocuments_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }
	d := testDoc("t1", "c1", "https://x.test/", 0, "hello")
	_, err := store.PutDocuments(ctx, []models.Document{d})
	require.NoError(t, err)

	store.now = func() time.Time { return first.Add(time.Hour) }
	d.Content = "hello again"
	_, err = store.PutDocuments(ctx, []models.Document{d})
	require.NoError(t, err)

	got, err := store.GetDocuments(ctx, []string{d.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello again", got[d.ID].Content)
	assert.Equal(t, "en", got[d.ID].Metadata["lang"])
	assert.Equal(t, first, got[d.ID].CreatedAt)
	assert.Equal(t, first.Add(time.Hour), got[d.ID].UpdatedAt)

	old, err := store.ListDocumentIDs(ctx, "t1", first.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, old)

	all, err := store.ListDocumentIDs(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, all)

	n, err := store.DeleteDocuments(ctx, "other-tenant", []string{d.ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteCollectionDocuments(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLargeIDLists(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	ns, err := models.NamespaceFor("t1")
	require.NoError(t, err)

	d1 := testDoc("t1", "c1", "https://x.test/a", 0, "alpha")
	d2 := testDoc("t1", "c1", "https://x.test/b", 0, "beta")
	_, err = store.PutDocuments(ctx, []models.Document{d1, d2})
	require.NoError(t, err)
	_, err = store.UpsertVectors(ctx, ns, []models.VectorRecord{
		{DocumentID: d1.ID, CollectionID: "c1", Vector: []float32{1, 0}, Model: "m", Dim: 2},
		{DocumentID: d2.ID, CollectionID: "c1", Vector: []float32{0, 1}, Model: "m", Dim: 2},
	})
	require.NoError(t, err)

	ids := make([]string, 0, 40000)
	for i := range 40000 - 2 {
		ids = append(ids, fmt.Sprintf("missing-%d", i))
	}
	ids = append(ids, d1.ID, d2.ID)

	got, err := store.GetDocuments(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err := store.DeleteVectors(ctx, ns, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.DeleteDocuments(ctx, "t1", ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func newJob(id, tenant, coll string, started time.Time) models.IndexingJob {
	return models.IndexingJob{
		JobID:        id,
		TenantID:     tenant,
		CollectionID: coll,
		Domain:       "https://example.com",
		Status:       models.JobStatusQueued,
		Options:      models.IndexOptions{MaxPages: 10},
		StartedAt:    started,
		UpdatedAt:    started,
	}
}

func TestJobs_SingleActivePerKey(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.CreateJob(ctx, newJob("j1", "t1", "c1", now)))

	err := store.CreateJob(ctx, newJob("j2", "t1", "c1", now))
	var dup *models.DuplicateJobError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, "j1", dup.JobID)

	// Another collection is independent.
	require.NoError(t, store.CreateJob(ctx, newJob("j3", "t1", "c2", now)))

	j1, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 10, j1.Options.MaxPages)
	done := now.Add(time.Second)
	j1.Status = models.JobStatusCompleted
	j1.DocumentsIndexed = 7
	j1.CompletedAt = &done
	require.NoError(t, store.UpdateJob(ctx, j1))

	require.NoError(t, store.CreateJob(ctx, newJob("j4", "t1", "c1", now.Add(2*time.Second))))

	latest, err := store.LatestJob(ctx, models.JobKey{TenantID: "t1", CollectionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "j4", latest.JobID)

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.DocumentsIndexed)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)

	active, err := store.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	jobs, err := store.ListJobs(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.ActiveJob(ctx, models.JobKey{TenantID: "t9", CollectionID: "c1"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestJobs_CancelRequestSurvivesUpdate(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	job := newJob("j1", "t1", "c1", time.Now())
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, store.RequestCancel(ctx, "j1"))

	// A stale in-memory copy without the flag must not clear it.
	job.Status = models.JobStatusScraping
	job.PagesFound = 3
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, 3, got.PagesFound)

	assert.ErrorIs(t, store.RequestCancel(ctx, "missing"), models.ErrNotFound)
}

func TestJobs_UpdateOnlyByOwnerAndForward(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	job := newJob("j1", "t1", "c1", time.Now())
	job.Owner = "a"
	require.NoError(t, store.CreateJob(ctx, job))

	job.Status = models.JobStatusProcessing
	require.NoError(t, store.UpdateJob(ctx, job))

	backward := job
	backward.Status = models.JobStatusScraping
	assert.ErrorIs(t, store.UpdateJob(ctx, backward), models.ErrLeaseLost)

	stranger := job
	stranger.Owner = "b"
	assert.ErrorIs(t, store.UpdateJob(ctx, stranger), models.ErrLeaseLost)

	// Another instance fails the abandoned job, then the old owner writes again.
	abandoned := job
	abandoned.Status = models.JobStatusFailed
	require.NoError(t, store.UpdateJob(ctx, abandoned))
	job.Status = models.JobStatusIndexing
	job.PagesFound = 4
	assert.ErrorIs(t, store.UpdateJob(ctx, job), models.ErrLeaseLost)

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Zero(t, got.PagesFound)

	missing := newJob("missing", "t1", "c1", time.Now())
	assert.ErrorIs(t, store.UpdateJob(ctx, missing), models.ErrNotFound)
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	key := models.JobKey{TenantID: "t1", CollectionID: "c1"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ok, err := store.AcquireLease(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLease(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be taken")

	owner, held, err := store.LeaseHolder(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "a", owner)

	require.NoError(t, store.RenewLease(ctx, key, "a", time.Minute))
	assert.ErrorIs(t, store.RenewLease(ctx, key, "b", time.Minute), models.ErrLeaseLost)

	// After expiry another owner may take over.
	now = now.Add(2 * time.Minute)
	ok, err = store.AcquireLease(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, store.RenewLease(ctx, key, "a", time.Minute), models.ErrLeaseLost)

	// Releasing someone else's lease is a no-op.
	require.NoError(t, store.ReleaseLease(ctx, key, "a"))
	_, held, err = store.LeaseHolder(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, store.ReleaseLease(ctx, key, "b"))
	_, held, err = store.LeaseHolder(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	cache := store.EmbeddingCache()

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []float32{1, 2}, time.Hour))
	vec, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, vec)

	now = now.Add(2 * time.Hour)
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.PurgeExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
