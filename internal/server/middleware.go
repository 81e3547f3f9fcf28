package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sitekb/internal/metrics"
)

const (
	maxArgLogLen         = 200
	slowRequestThreshold = 500 * time.Millisecond
	methodCallTool       = "tools/call"
)

// LoggingMiddleware logs every request and records tool call timings in mc.
// Tool results flagged IsError count as failures.
func LoggingMiddleware(logger *slog.Logger, mc *metrics.Collector) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)
			duration := time.Since(start)

			raw := rawParams(req)
			attrs := []any{"method", method, "duration_ms", duration.Milliseconds()}
			if method == methodCallTool {
				attrs = append(attrs, "tool", toolName(raw))
			}
			if len(raw) > 0 {
				attrs = append(attrs, "params", truncate(string(raw), maxArgLogLen))
			}

			failed := err != nil || toolFailed(result)
			if method == methodCallTool {
				if failed {
					mc.RecordError(metrics.OpToolCall, duration)
				} else {
					mc.RecordTiming(metrics.OpToolCall, duration)
				}
			}

			switch {
			case err != nil:
				logger.Error("request failed", append(attrs, "error", err.Error())...)
			case failed:
				logger.Warn("tool returned error", attrs...)
			case duration > slowRequestThreshold:
				logger.Warn("slow request", attrs...)
			default:
				logger.Debug("request completed", attrs...)
			}
			return result, err
		}
	}
}

// rawParams renders request params as JSON, or nil when there are none.
func rawParams(req mcp.Request) []byte {
	if req == nil {
		return nil
	}
	params := req.GetParams()
	if params == nil {
		return nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return []byte(fmt.Sprintf("%+v", params))
	}
	return b
}

func toolName(raw []byte) string {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return "unknown"
	}
	return p.Name
}

func toolFailed(result mcp.Result) bool {
	r, ok := result.(*mcp.CallToolResult)
	return ok && r != nil && r.IsError
}

// truncate shortens s to maxLen bytes, ending in "..." when cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
