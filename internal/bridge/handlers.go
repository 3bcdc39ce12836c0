package bridge

import (
	"context"
	"runtime"

	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/protocol"
	"github.com/meshforge/meshbridge/internal/version"
)

// RegisterCoreHandlers installs the commands every bridge answers
// regardless of which host backs it: the handshake probe and the liveness
// check. Host-specific commands come from the scene backend.
func RegisterCoreHandlers(table *dispatch.Table, appVersion string) {
	table.Register(protocol.CommandPing, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})

	table.Register(protocol.CommandGetVersion, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{
			"protocol_version":   protocol.Version,
			"addon_version":      version.Number,
			"app_version":        appVersion,
			"platform":           runtime.GOOS,
			"available_commands": table.Commands(),
		}, nil
	})
}
