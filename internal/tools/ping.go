package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// PingInput defines the input schema for the ping tool.
type PingInput struct {
	Echo string `json:"echo,omitempty" jsonschema:"Text to echo back instead of checking health"`
}

// NewPingHandler answers "pong <instance>" once the store responds, or
// echoes the input.
func NewPingHandler(deps *Dependencies) mcp.ToolHandlerFor[PingInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PingInput) (*mcp.CallToolResult, any, error) {
		if input.Echo != "" {
			return TextResult(input.Echo), nil, nil
		}
		if deps.Ping != nil {
			if err := deps.Ping(ctx); err != nil {
				deps.Logger.Warn("store ping failed", "error", err)
				return ErrorResult("Store unavailable", err.Error()), nil, nil
			}
		}
		if deps.Coordinator == nil {
			return TextResult("pong"), nil, nil
		}
		return TextResult("pong " + deps.Coordinator.InstanceID()), nil, nil
	}
}
