package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meshforge/meshbridge/internal/connection"
	"github.com/meshforge/meshbridge/internal/protocol"
)

// textResult marshals payload to indented JSON and wraps it as a text
// content part. Every tool except the inline screenshot answers this way.
func textResult(payload map[string]any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(`{"status":"error","error_code":%q,"message":"encoding result: %v"}`,
			protocol.CodeInternalError, err))
	}
	return mcp.NewToolResultText(string(data))
}

// successResult merges the bridge result under a status marker. A result
// carrying its own status key (ping does) wins over the marker.
func successResult(result map[string]any) *mcp.CallToolResult {
	payload := map[string]any{"status": "success"}
	for k, v := range result {
		payload[k] = v
	}
	return textResult(payload)
}

// bridgeResult maps a bridge response to a tool result.
func (s *Service) bridgeResult(resp *protocol.Response) *mcp.CallToolResult {
	if resp.IsSuccess() {
		return successResult(resp.Result)
	}
	return remoteErrorResult(resp.Error)
}

// transportResult shapes a connection-layer failure. The health monitor
// gets a connection_lost event so manage_connection(status) shows it.
func (s *Service) transportResult(err error) *mcp.CallToolResult {
	var cerr *connection.Error
	if !errors.As(err, &cerr) {
		return textResult(map[string]any{
			"status":     "error",
			"error_code": protocol.CodeInternalError,
			"message":    err.Error(),
		})
	}
	if s.monitor != nil {
		s.monitor.RecordConnectionLost(cerr.Message)
	}
	return textResult(map[string]any{
		"status":     "error",
		"error_code": cerr.Code,
		"message":    cerr.Message,
	})
}

// remoteErrorResult shapes an error response produced inside MeshForge.
func remoteErrorResult(detail *protocol.ErrorDetail) *mcp.CallToolResult {
	if detail == nil {
		return textResult(map[string]any{
			"status":     "error",
			"error_code": protocol.CodeInternalError,
			"message":    "Unknown error",
		})
	}
	payload := map[string]any{
		"status":     "error",
		"error_code": detail.Code,
		"message":    detail.Message,
		"traceback":  detail.Traceback,
	}
	if len(detail.Context) > 0 {
		payload["context"] = detail.Context
	}
	return textResult(payload)
}

// invalidParamsResult rejects a call before it reaches the wire.
func invalidParamsResult(format string, args ...any) *mcp.CallToolResult {
	return textResult(map[string]any{
		"status":     "error",
		"error_code": protocol.CodeInvalidParams,
		"message":    fmt.Sprintf(format, args...),
	})
}

// structToMap flattens a struct through its JSON tags so extra keys can
// be merged next to its fields.
func structToMap(v any) map[string]any {
	out := map[string]any{}
	data, err := json.Marshal(v)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func stringList(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
