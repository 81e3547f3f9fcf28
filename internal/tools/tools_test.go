package tools_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/app"
	"github.com/raphaelgruber/sitekb/internal/config"
	"github.com/raphaelgruber/sitekb/internal/embedding"
	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/service"
	"github.com/raphaelgruber/sitekb/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// connect registers all tools over a memory backed app and returns a client session.
func connect(t *testing.T) (*mcp.ClientSession, *app.App) {
	t.Helper()
	logger := testLogger()

	cfg := config.Defaults()
	cfg.Store = config.StoreMemory
	cfg.EmbedProvider = config.ProviderHash
	cfg.EmbedBatchDelay = time.Millisecond
	cfg.CrawlDelay = time.Millisecond
	cfg.ProgressFlush = 10 * time.Millisecond
	cfg.InstanceID = "tools-test"

	a, err := app.New(context.Background(), cfg, embedding.NewHashEmbedder("hash-test", 256), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	server := mcp.NewServer(&mcp.Implementation{Name: "test-sitekb", Version: "0.0.1-test"}, nil)
	tools.RegisterAll(server, &tools.Dependencies{
		Coordinator: a.Coordinator,
		Retrieval:   a.Retrieval,
		Logger:      logger,
		Ping:        a.Ping,
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err, "client should connect successfully")
	t.Cleanup(func() { _ = session.Close() })
	return session, a
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content should be TextContent")
	return text.Text, result.IsError
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		body := strings.Repeat("The Acme store opens at nine and closes at six on weekdays. ", 5)
		fmt.Fprintf(w, "<html><head><title>Hours</title></head><body><p>%s</p></body></html>", body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestToolsList(t *testing.T) {
	session, _ := connect(t)

	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"ping", "start_indexing", "get_status", "reindex",
		"cancel_indexing", "delete_collection", "list_jobs", "retrieve",
	}, names)
}

func TestPingTool(t *testing.T) {
	session, _ := connect(t)

	t.Run("ping returns pong with instance", func(t *testing.T) {
		text, isErr := callTool(t, session, "ping", map[string]any{})
		assert.False(t, isErr)
		assert.Equal(t, "pong tools-test", text)
	})

	t.Run("ping echoes input", func(t *testing.T) {
		text, isErr := callTool(t, session, "ping", map[string]any{"echo": "hello world"})
		assert.False(t, isErr)
		assert.Equal(t, "hello world", text)
	})
}

func TestIndexingTools_EndToEnd(t *testing.T) {
	session, _ := connect(t)
	site := newSite(t)
	coll := map[string]any{"tenant_id": "acme", "collection_id": "store"}

	text, isErr := callTool(t, session, "start_indexing", map[string]any{
		"tenant_id": "acme", "collection_id": "store", "domain": site.URL,
	})
	require.False(t, isErr, text)
	var ref models.JobRef
	require.NoError(t, json.Unmarshal([]byte(text), &ref))
	assert.NotEmpty(t, ref.JobID)

	var job models.IndexingJob
	require.Eventually(t, func() bool {
		text, isErr := callTool(t, session, "get_status", coll)
		if isErr || json.Unmarshal([]byte(text), &job) != nil {
			return false
		}
		return job.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, models.JobStatusCompleted, job.Status, job.Error)
	assert.Equal(t, 1, job.DocumentsIndexed)

	text, isErr = callTool(t, session, "retrieve", map[string]any{
		"tenant_id": "acme", "collection_id": "store", "query": "when does the store open", "types": []string{"webpage", "faq", "product", "article"},
	})
	require.False(t, isErr, text)
	var out service.Retrieval
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.False(t, out.NoKnowledge)
	assert.Contains(t, out.Context, "opens at nine")

	text, isErr = callTool(t, session, "list_jobs", map[string]any{"tenant_id": "acme"})
	require.False(t, isErr, text)
	assert.Contains(t, text, ref.JobID)

	text, isErr = callTool(t, session, "delete_collection", coll)
	require.False(t, isErr, text)

	text, isErr = callTool(t, session, "retrieve", map[string]any{"tenant_id": "acme", "collection_id": "store", "query": "when does the store open"})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.True(t, out.NoKnowledge)
}

func TestTools_Errors(t *testing.T) {
	session, _ := connect(t)

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		contains string
	}{
		{"status of unknown collection", "get_status", map[string]any{"tenant_id": "acme", "collection_id": "none"}, "Start indexing"},
		{"cancel without job", "cancel_indexing", map[string]any{"tenant_id": "acme", "collection_id": "none"}, "Start indexing"},
		{"missing domain", "start_indexing", map[string]any{"tenant_id": "acme", "collection_id": "c", "domain": ""}, "Check tenant_id"},
		{"negative max pages", "start_indexing", map[string]any{"tenant_id": "acme", "collection_id": "c", "domain": "acme.example", "max_pages": -1}, "must not be negative"},
		{"empty query", "retrieve", map[string]any{"tenant_id": "acme", "collection_id": "c", "query": ""}, "Query cannot be empty"},
		{"unknown type", "retrieve", map[string]any{"tenant_id": "acme", "collection_id": "c", "query": "q", "types": []string{"video"}}, "Unknown page type"},
		{"list jobs limit", "list_jobs", map[string]any{"tenant_id": "acme", "limit": 500}, "Limit must be 1-200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := callTool(t, session, tt.tool, tt.args)
			assert.True(t, isErr)
			assert.Contains(t, text, tt.contains)
		})
	}
}
