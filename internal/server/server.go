// Package server exposes the knowledge base tools over MCP on stdio.
package server

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sitekb/internal/metrics"
)

// Name is reported to MCP clients during initialization.
const Name = "sitekb"

const instructions = `sitekb indexes websites into per-tenant knowledge bases.
Start a crawl with start_indexing, follow it with get_status and query it with retrieve.
Every tool is scoped to a tenant_id and collection_id; data never crosses tenants.`

// Server owns the MCP server and its request middleware.
type Server struct {
	mcp     *mcp.Server
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a server. mc may be nil.
func New(version string, logger *slog.Logger, mc *metrics.Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	impl := &mcp.Implementation{Name: Name, Version: version}
	return &Server{
		mcp:     mcp.NewServer(impl, &mcp.ServerOptions{Instructions: instructions}),
		logger:  logger,
		metrics: mc,
	}
}

// Run serves on stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying server for tool registration.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Setup installs the request middleware.
func (s *Server) Setup() {
	s.mcp.AddReceivingMiddleware(LoggingMiddleware(s.logger, s.metrics))
}
