package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/service"
)

// RetrieveInput defines the input schema for the retrieve tool.
type RetrieveInput struct {
	TenantID     string   `json:"tenant_id" jsonschema:"required,Tenant that owns the collection"`
	CollectionID string   `json:"collection_id" jsonschema:"required,Collection to search"`
	Query        string   `json:"query" jsonschema:"required,The question to find context for"`
	TopK         int      `json:"top_k,omitempty" jsonschema:"Number of chunks, clamped to 3-5"`
	Types        []string `json:"types,omitempty" jsonschema:"Optional page type filter: webpage, faq, product, article"`
}

// NewRetrieveHandler creates the retrieve tool handler.
// A miss is reported as no_knowledge=true, not as a tool error.
func NewRetrieveHandler(deps *Dependencies) mcp.ToolHandlerFor[RetrieveInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RetrieveInput) (*mcp.CallToolResult, any, error) {
		if input.Query == "" {
			return ErrorResult("Query cannot be empty", "Provide a question"), nil, nil
		}
		types := make([]models.DocumentType, 0, len(input.Types))
		for _, t := range input.Types {
			dt := models.DocumentType(t)
			if !dt.Valid() {
				return ErrorResult("Unknown page type "+t, "Use webpage, faq, product or article"), nil, nil
			}
			types = append(types, dt)
		}

		out, err := deps.Retrieval.Retrieve(ctx, service.RetrieveRequest{
			TenantID:     input.TenantID,
			CollectionID: input.CollectionID,
			Query:        input.Query,
			TopK:         input.TopK,
			Types:        types,
		})
		if err != nil {
			deps.Logger.Error("retrieve failed", "tenant_id", input.TenantID, "collection_id", input.CollectionID, "error", err)
			return serviceError(err), nil, nil
		}

		queryLog := input.Query
		if len(queryLog) > 30 {
			queryLog = queryLog[:30] + "..."
		}
		deps.Logger.Info("retrieve completed", "query", queryLog, "sources", len(out.Sources), "no_knowledge", out.NoKnowledge)
		return JSONResult(out), nil, nil
	}
}
