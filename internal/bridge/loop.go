package bridge

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// Tick drains at most one command from the queue and dispatches it. It is
// the only consumer of the queue and must be called from the application's
// main loop. Returns true when a command was processed.
func (b *Bridge) Tick(ctx context.Context) bool {
	var p *pending
	select {
	case p = <-b.queue:
	default:
		return false
	}

	b.mu.Lock()
	b.lastCommand = p.req.Command
	b.lastCommandAt = time.Now()
	b.mu.Unlock()

	start := time.Now()
	resp := b.table.Dispatch(ctx, p.req)
	elapsed := time.Since(start)

	b.metrics.CommandObserved(p.req.Command, resp.Status, elapsed)
	b.metrics.QueueDepthObserved(len(b.queue))
	b.logger.Debug("command processed",
		zap.String("command", p.req.Command),
		zap.String("status", resp.Status),
		zap.Duration("elapsed", elapsed))

	p.resp <- resp
	return true
}

// RunLoop ticks the queue until ctx is cancelled. It stands in for the host
// application's frame timer when the bridge runs as its own process.
func (b *Bridge) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Status is a point-in-time snapshot of the bridge.
type Status struct {
	State             string    `json:"state"`
	Port              int       `json:"port"`
	ActiveConnections int       `json:"active_connections"`
	TotalConnections  int       `json:"total_connections"`
	QueueDepth        int       `json:"queue_depth"`
	LastCommand       string    `json:"last_command,omitempty"`
	LastCommandAt     time.Time `json:"last_command_at,omitempty"`
}

// Status reports the bridge state. The port is the bound one, which matters
// when the configured port was 0.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		State:             b.state,
		Port:              b.cfg.Port,
		ActiveConnections: len(b.conns),
		TotalConnections:  b.totalConns,
		QueueDepth:        len(b.queue),
		LastCommand:       b.lastCommand,
		LastCommandAt:     b.lastCommandAt,
	}
	if b.ln != nil {
		if addr, ok := b.ln.Addr().(*net.TCPAddr); ok {
			st.Port = addr.Port
		}
	}
	return st
}
