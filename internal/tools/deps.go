// Package tools provides MCP tool handlers and registration.
package tools

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/sitekb/internal/service"
)

// Dependencies are captured by the handler closures.
type Dependencies struct {
	Coordinator *service.Coordinator
	Retrieval   *service.RetrievalService
	Logger      *slog.Logger
	// Ping checks the storage backend. Optional.
	Ping func(ctx context.Context) error
}
