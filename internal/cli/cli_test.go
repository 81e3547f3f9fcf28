package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/api"
	"github.com/raphaelgruber/sitekb/internal/app"
	"github.com/raphaelgruber/sitekb/internal/config"
	"github.com/raphaelgruber/sitekb/internal/embedding"
	"github.com/raphaelgruber/sitekb/internal/models"
)

func TestJobProgress(t *testing.T) {
	tests := []struct {
		name string
		job  models.IndexingJob
		want float64
	}{
		{"queued", models.IndexingJob{Status: models.JobStatusQueued}, 0},
		{"scraping", models.IndexingJob{Status: models.JobStatusScraping, PagesFound: 10}, 0.1},
		{"processing half", models.IndexingJob{Status: models.JobStatusProcessing, PagesFound: 10, PagesProcessed: 5}, 0.75},
		{"indexing without pages", models.IndexingJob{Status: models.JobStatusIndexing}, 0.5},
		{"completed", models.IndexingJob{Status: models.JobStatusCompleted}, 1},
		{"failed", models.IndexingJob{Status: models.JobStatusFailed}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, jobProgress(tt.job), 1e-9)
		})
	}
}

func TestJobResult(t *testing.T) {
	assert.NoError(t, jobResult(models.IndexingJob{Status: models.JobStatusCompleted}))

	err := jobResult(models.IndexingJob{Status: models.JobStatusFailed, Error: "no page could be fetched"})
	require.ErrorIs(t, err, errJobNotCompleted)
	assert.Contains(t, err.Error(), "no page could be fetched")

	assert.ErrorIs(t, jobResult(models.IndexingJob{Status: models.JobStatusCancelled}), errJobNotCompleted)
}

func newServer(t *testing.T) string {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store = config.StoreMemory
	cfg.EmbedProvider = config.ProviderHash
	cfg.EmbedBatchDelay = time.Millisecond
	cfg.CrawlDelay = time.Millisecond
	cfg.ProgressFlush = 10 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, embedding.NewHashEmbedder("hash-test", 256), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	srv := httptest.NewServer(api.New(a, logger).Handler())
	t.Cleanup(srv.Close)

	site := http.NewServeMux()
	site.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		body := strings.Repeat("Our support desk answers warranty claims within one week. ", 6)
		fmt.Fprintf(w, "<html><head><title>Support</title></head><body><p>%s</p></body></html>", body)
	})
	siteSrv := httptest.NewServer(site)
	t.Cleanup(siteSrv.Close)

	return srv.URL + " " + siteSrv.URL
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands_IndexWatchRetrieveDelete(t *testing.T) {
	urls := strings.Fields(newServer(t))
	server, site := urls[0], urls[1]
	common := []string{"--server", server, "--tenant", "acme"}
	run := func(args ...string) string {
		out, err := execute(t, append(args, common...)...)
		require.NoError(t, err, out)
		return out
	}

	out := run("index", "support", site, "--watch")
	assert.Contains(t, out, "Started job")
	assert.Contains(t, out, "[completed]")

	out = run("status", "support")
	assert.Contains(t, out, "Status: completed")

	out = run("retrieve", "support", "how", "long", "do", "warranty", "claims", "take")
	assert.Contains(t, out, "warranty claims")
	assert.Contains(t, out, "Sources:")

	out = run("jobs")
	assert.Contains(t, out, "support")

	out = run("stats")
	assert.Contains(t, out, "jobs_completed")

	// Without --force the empty stdin aborts.
	out = run("delete", "support")
	assert.Contains(t, out, "Aborted")

	out = run("delete", "support", "--force")
	assert.Contains(t, out, "Deleted 1 documents")

	out = run("retrieve", "support", "warranty")
	assert.Contains(t, out, "No relevant knowledge found.")

	_, err := execute(t, append([]string{"cancel", "support"}, common...)...)
	assert.ErrorIs(t, err, models.ErrNotFound)

	deleteForce = false
	indexWatch = false
}
