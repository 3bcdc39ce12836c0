package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

var manageConnectionTool = mcp.Tool{
	Name: "manage_connection",
	Description: "Diagnostic and lifecycle management for the MeshForge TCP link. " +
		"status reports connection state, versions, health statistics and the per-tool " +
		"performance report; reconnect drops and re-establishes the link; ping measures " +
		"round-trip latency in milliseconds.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"status", "reconnect", "ping"},
			},
		},
		Required: []string{"action"},
	},
}

func (s *Service) manageConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "status":
		return s.connectionStatus(), nil
	case "reconnect":
		return s.reconnect(ctx), nil
	case "ping":
		return s.pingBridge(ctx), nil
	default:
		return invalidParamsResult("Invalid action %q. Must be 'status', 'reconnect', or 'ping'.", action), nil
	}
}

func (s *Service) connectionStatus() *mcp.CallToolResult {
	st := s.conn.Status()
	payload := structToMap(st)
	payload["status"] = "success"
	if !st.Connected {
		payload["note"] = "Not connected. Ensure MeshForge is running with the bridge addon " +
			"enabled, then call manage_connection(action=\"reconnect\")."
	}
	if s.monitor != nil {
		payload["health"] = s.monitor.Report()
	}
	if s.rec != nil {
		payload["performance"] = s.rec.PerformanceReport()
	}
	return textResult(payload)
}

func (s *Service) reconnect(ctx context.Context) *mcp.CallToolResult {
	st, err := s.conn.Reconnect(ctx)
	if err != nil {
		if s.monitor != nil {
			s.monitor.RecordReconnectAttempt(false)
		}
		return s.transportResult(err)
	}
	if s.monitor != nil {
		s.monitor.RecordReconnectAttempt(true)
		s.monitor.Start()
	}
	payload := structToMap(st)
	payload["status"] = "success"
	return textResult(payload)
}

func (s *Service) pingBridge(ctx context.Context) *mcp.CallToolResult {
	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err)
	}
	pr := s.conn.Ping(ctx)
	if pr.ErrorCode != "" {
		return textResult(map[string]any{
			"status":     "error",
			"error_code": pr.ErrorCode,
			"message":    pr.Error,
		})
	}
	return textResult(structToMap(pr))
}
