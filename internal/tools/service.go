// Package tools exposes the bridge commands as MCP tools. The Service
// owns the long-lived pieces (connection, health monitor, diagnostics)
// and registers one handler per tool on an mcp-go stdio server.
package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/connection"
	"github.com/meshforge/meshbridge/internal/diag"
	"github.com/meshforge/meshbridge/internal/health"
	"github.com/meshforge/meshbridge/internal/version"
)

const serverInstructions = "Control MeshForge for organic geometry generation " +
	"(trees, figures, terrain, rock faces) destined for HO-scale model railroad " +
	"production. MeshForge must be running with the bridge addon enabled before " +
	"using these tools."

// Service wires the MCP tool handlers to one shared MeshForge connection.
// monitor and rec may be nil; the corresponding features degrade quietly.
type Service struct {
	conn    *connection.Connection
	monitor *health.Monitor
	rec     *diag.Recorder
	logger  *zap.Logger
}

func NewService(conn *connection.Connection, monitor *health.Monitor, rec *diag.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{conn: conn, monitor: monitor, rec: rec, logger: logger}
}

// NewServer builds the stdio MCP server with every bridge tool registered.
func NewServer(svc *Service) *server.MCPServer {
	srv := server.NewMCPServer("meshbridge", version.Number,
		server.WithInstructions(serverInstructions))
	svc.Register(srv)
	return srv
}

// ensureConnected connects lazily on the first tool call that needs the
// bridge. The health monitor starts after the first successful connect so
// it never reports failures for a bridge nobody has asked for yet.
func (s *Service) ensureConnected(ctx context.Context) error {
	if s.conn.Status().Connected {
		return nil
	}
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	if s.monitor != nil {
		s.monitor.Start()
	}
	return nil
}

type toolFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// instrument wraps a tool handler with timing, a debug log line, and an
// operation record for the diagnostics store.
func (s *Service) instrument(op string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := fn(ctx, req)
		elapsed := time.Since(start)

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		s.rec.RecordOperation(ctx, op, float64(elapsed.Microseconds())/1000.0, errMsg)
		s.logger.Debug("tool call",
			zap.String("tool", op),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return result, err
	}
}
