package tools

import (
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so LLM can see the error and self-correct.
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// JSONResult renders v as indented JSON text.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(b))
}

// serviceError maps a service error to a tool error with a recovery hint.
func serviceError(err error) *mcp.CallToolResult {
	var dup *models.DuplicateJobError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return ErrorResult(err.Error(), "Check tenant_id, collection_id and domain")
	case errors.Is(err, models.ErrNotFound):
		return ErrorResult(err.Error(), "Start indexing the collection first")
	case errors.As(err, &dup):
		return ErrorResult(err.Error(), "Wait for the job to finish or cancel it")
	default:
		return ErrorResult(err.Error(), "")
	}
}
