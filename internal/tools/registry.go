package tools

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers every knowledge base tool on server.
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Health check. Pings the store and responds with pong and the instance id, or echoes input",
	}, NewPingHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_indexing",
		Description: "Crawl a website into a tenant's collection. Returns the running job when one is already active",
	}, NewStartIndexingHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_status",
		Description: "Get the status and progress counters of the latest indexing job of a collection",
	}, NewGetStatusHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reindex",
		Description: "Delete a collection and crawl it again with the options of its last job",
	}, NewReindexHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_indexing",
		Description: "Stop the active indexing job of a collection. Documents already indexed stay searchable",
	}, NewCancelHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_collection",
		Description: "Delete every document of a collection",
	}, NewDeleteCollectionHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List a tenant's indexing jobs, newest first",
	}, NewListJobsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retrieve",
		Description: "Retrieve the most relevant website content for a question as bounded context",
	}, NewRetrieveHandler(deps))
}
