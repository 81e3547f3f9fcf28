package server_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/server"
	"github.com/raphaelgruber/sitekb/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type echoInput struct {
	Text string `json:"text,omitempty"`
}

// connect runs srv on in-memory transports and returns a client session.
func connect(t *testing.T, srv *server.Server) *mcp.ClientSession {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go func() { _ = srv.MCPServer().Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestServer_Initialize(t *testing.T) {
	srv := server.New("0.1.0-test", testLogger(), nil)
	srv.Setup()
	session := connect(t, srv)

	info := session.InitializeResult()
	require.NotNil(t, info)
	assert.Equal(t, server.Name, info.ServerInfo.Name)
	assert.Equal(t, "0.1.0-test", info.ServerInfo.Version)
	assert.Contains(t, info.Instructions, "start_indexing")

	list, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, list.Tools)
}

func TestServer_ToolCallMetrics(t *testing.T) {
	mc := metrics.NewCollector()
	srv := server.New("test", testLogger(), mc)
	srv.Setup()
	mcp.AddTool(srv.MCPServer(), &mcp.Tool{Name: "echo"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			if in.Text == "" {
				return tools.ErrorResult("text is required", ""), nil, nil
			}
			return tools.TextResult(in.Text), nil, nil
		})
	session := connect(t, srv)
	ctx := context.Background()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// Listing tools is not a tool call.
	_, err = session.ListTools(ctx, nil)
	require.NoError(t, err)

	op := mc.Snapshot().Operations[metrics.OpToolCall]
	require.NotNil(t, op)
	assert.EqualValues(t, 2, op.Count)
	assert.EqualValues(t, 1, op.Errors)
}
