package tools

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// CollectionInput identifies a tenant's collection.
type CollectionInput struct {
	TenantID     string `json:"tenant_id" jsonschema:"required,Tenant that owns the collection"`
	CollectionID string `json:"collection_id" jsonschema:"required,Collection within the tenant"`
}

// StartIndexingInput defines the input schema for the start_indexing tool.
type StartIndexingInput struct {
	TenantID       string `json:"tenant_id" jsonschema:"required,Tenant that owns the collection"`
	CollectionID   string `json:"collection_id" jsonschema:"required,Collection to index into"`
	Domain         string `json:"domain" jsonschema:"required,Domain or URL to crawl, e.g. example.com"`
	MaxPages       int    `json:"max_pages,omitempty" jsonschema:"Maximum number of page fetches"`
	RespectRobots  *bool  `json:"respect_robots,omitempty" jsonschema:"Honor robots.txt, default true"`
	KeepQuery      bool   `json:"keep_query,omitempty" jsonschema:"Treat URLs with different query strings as different pages"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"Overall job deadline in seconds"`
}

// NewStartIndexingHandler creates the start_indexing tool handler.
func NewStartIndexingHandler(deps *Dependencies) mcp.ToolHandlerFor[StartIndexingInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StartIndexingInput) (*mcp.CallToolResult, any, error) {
		if input.MaxPages < 0 || input.TimeoutSeconds < 0 {
			return ErrorResult("max_pages and timeout_seconds must not be negative", ""), nil, nil
		}
		opts := models.IndexOptions{
			MaxPages:       input.MaxPages,
			RespectRobots:  input.RespectRobots,
			KeepQueryParam: input.KeepQuery,
			JobTimeout:     time.Duration(input.TimeoutSeconds) * time.Second,
		}
		ref, err := deps.Coordinator.StartIndexing(ctx, input.TenantID, input.CollectionID, input.Domain, opts)
		if err != nil {
			deps.Logger.Error("start_indexing failed", "tenant_id", input.TenantID, "collection_id", input.CollectionID, "error", err)
			return serviceError(err), nil, nil
		}
		return JSONResult(ref), nil, nil
	}
}

// NewGetStatusHandler creates the get_status tool handler.
func NewGetStatusHandler(deps *Dependencies) mcp.ToolHandlerFor[CollectionInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CollectionInput) (*mcp.CallToolResult, any, error) {
		job, err := deps.Coordinator.GetStatus(ctx, input.TenantID, input.CollectionID)
		if err != nil {
			return serviceError(err), nil, nil
		}
		return JSONResult(job), nil, nil
	}
}

// NewReindexHandler creates the reindex tool handler.
func NewReindexHandler(deps *Dependencies) mcp.ToolHandlerFor[CollectionInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CollectionInput) (*mcp.CallToolResult, any, error) {
		ref, err := deps.Coordinator.Reindex(ctx, input.TenantID, input.CollectionID)
		if err != nil {
			deps.Logger.Error("reindex failed", "tenant_id", input.TenantID, "collection_id", input.CollectionID, "error", err)
			return serviceError(err), nil, nil
		}
		return JSONResult(ref), nil, nil
	}
}

// NewCancelHandler creates the cancel_indexing tool handler.
func NewCancelHandler(deps *Dependencies) mcp.ToolHandlerFor[CollectionInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CollectionInput) (*mcp.CallToolResult, any, error) {
		job, err := deps.Coordinator.Cancel(ctx, input.TenantID, input.CollectionID)
		if err != nil {
			return serviceError(err), nil, nil
		}
		return JSONResult(job), nil, nil
	}
}

// NewDeleteCollectionHandler creates the delete_collection tool handler.
func NewDeleteCollectionHandler(deps *Dependencies) mcp.ToolHandlerFor[CollectionInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CollectionInput) (*mcp.CallToolResult, any, error) {
		report, err := deps.Coordinator.DeleteCollection(ctx, input.TenantID, input.CollectionID)
		if err != nil {
			return serviceError(err), nil, nil
		}
		deps.Logger.Info("collection deleted via MCP", "tenant_id", input.TenantID, "collection_id", input.CollectionID)
		return JSONResult(report), nil, nil
	}
}

// ListJobsInput defines the input schema for the list_jobs tool.
type ListJobsInput struct {
	TenantID string `json:"tenant_id" jsonschema:"required,Tenant whose jobs to list"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Max jobs 1-200, default 20"`
}

// NewListJobsHandler creates the list_jobs tool handler.
func NewListJobsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListJobsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListJobsInput) (*mcp.CallToolResult, any, error) {
		if input.TenantID == "" {
			return ErrorResult("tenant_id is required", ""), nil, nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			return ErrorResult("Limit must be 1-200", "Reduce limit value"), nil, nil
		}
		jobs, err := deps.Coordinator.ListJobs(ctx, input.TenantID, limit)
		if err != nil {
			return serviceError(err), nil, nil
		}
		return JSONResult(map[string]any{"jobs": jobs, "count": len(jobs)}), nil, nil
	}
}
