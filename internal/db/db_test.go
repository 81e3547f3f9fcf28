//go:build integration

package db

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

var testDB *Client

// TestMain starts a SurrealDB container shared by every test of the package.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping SurrealDB integration tests in short mode")
		os.Exit(0)
	}

	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func wipe(t *testing.T) {
	t.Helper()
	require.NoError(t, testDB.WipeData(context.Background()))
}

func testDoc(tenant, coll, url, content string) models.Document {
	return models.Document{
		ID:           models.DocumentID(tenant, coll, url, 0),
		TenantID:     tenant,
		CollectionID: coll,
		URL:          url,
		Title:        url,
		Content:      content,
		Type:         models.DocumentTypeWebpage,
		TotalChunks:  1,
		Metadata:     map[string]string{"lang": "en"},
	}
}

func TestPing(t *testing.T) {
	assert.NoError(t, testDB.Ping(context.Background()))
}

func TestIndex_TenantIsolation(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	ix := vectorindex.New(testDB, testDB, nil, nil)

	a := testDoc("tenant-a", "docs", "https://a.test/", "alpha")
	b := testDoc("tenant-b", "docs", "https://b.test/", "beta")
	vec := func(id string) []models.EmbeddingVector {
		return []models.EmbeddingVector{{DocumentID: id, Vector: []float32{1, 0, 0}, Model: "m", Dim: 3}}
	}

	_, err := ix.Upsert(ctx, "tenant-a", "docs", []models.Document{a}, vec(a.ID))
	require.NoError(t, err)
	_, err = ix.Upsert(ctx, "tenant-b", "docs", []models.Document{b}, vec(b.ID))
	require.NoError(t, err)

	results, err := ix.Search(ctx, "tenant-a", "docs", []float32{1, 0, 0}, 5, vectorindex.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].DocumentID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "tenant-a", results[0].Metadata.TenantID)

	tenants, err := ix.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)

	report, err := ix.Delete(ctx, "tenant-a", "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Vectors)
	assert.Equal(t, 1, report.Documents)

	results, err = ix.Search(ctx, "tenant-b", "docs", []float32{1, 0, 0}, 5, vectorindex.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDocuments_KeepCreatedAt(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	d := testDoc("t1", "c1", "https://x.test/", "v1")
	d.CreatedAt = time.UnixMilli(1000).UTC()
	d.UpdatedAt = d.CreatedAt
	_, err := testDB.PutDocuments(ctx, []models.Document{d})
	require.NoError(t, err)

	d.Content = "v2"
	d.CreatedAt = time.UnixMilli(5000).UTC()
	d.UpdatedAt = d.CreatedAt
	_, err = testDB.PutDocuments(ctx, []models.Document{d})
	require.NoError(t, err)

	got, err := testDB.GetDocuments(ctx, []string{d.ID})
	require.NoError(t, err)
	require.Contains(t, got, d.ID)
	assert.Equal(t, "v2", got[d.ID].Content)
	assert.Equal(t, int64(1000), got[d.ID].CreatedAt.UnixMilli())
	assert.Equal(t, "en", got[d.ID].Metadata["lang"])

	ids, err := testDB.ListDocumentIDs(ctx, "t1", time.UnixMilli(4000))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestJobs_SingleActivePerKey(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := models.IndexingJob{
		JobID: "j1", TenantID: "t1", CollectionID: "c1", Domain: "https://example.com",
		Status: models.JobStatusQueued, StartedAt: now, UpdatedAt: now,
		Options: models.IndexOptions{MaxPages: 5},
	}
	require.NoError(t, testDB.CreateJob(ctx, job))

	second := job
	second.JobID = "j2"
	err := testDB.CreateJob(ctx, second)
	var dup *models.DuplicateJobError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, "j1", dup.JobID)

	require.NoError(t, testDB.RequestCancel(ctx, "j1"))
	job.Status = models.JobStatusScraping
	require.NoError(t, testDB.UpdateJob(ctx, job))

	got, err := testDB.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, models.JobStatusScraping, got.Status)
	assert.Equal(t, 5, got.Options.MaxPages)

	done := now.Add(time.Second)
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &done
	require.NoError(t, testDB.UpdateJob(ctx, job))

	stale := job
	stale.Status = models.JobStatusIndexing
	stale.CompletedAt = nil
	assert.ErrorIs(t, testDB.UpdateJob(ctx, stale), models.ErrLeaseLost)
	require.NoError(t, testDB.CreateJob(ctx, second))

	active, err := testDB.ListActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "j2", active[0].JobID)

	_, err = testDB.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLeases(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	key := models.JobKey{TenantID: "t1", CollectionID: "c1"}

	ok, err := testDB.AcquireLease(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.AcquireLease(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, testDB.RenewLease(ctx, key, "a", time.Minute))
	assert.ErrorIs(t, testDB.RenewLease(ctx, key, "b", time.Minute), models.ErrLeaseLost)

	require.NoError(t, testDB.ReleaseLease(ctx, key, "a"))
	_, held, err := testDB.LeaseHolder(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestEmbeddingCache(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	cache := testDB.EmbeddingCache()

	require.NoError(t, cache.Set(ctx, "k", []float32{0.5, 0.25}, time.Hour))
	vec, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, vec)

	_, ok, err = cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
