package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/protocol"
)

// SendCommand sends one command and waits for its response. timeout <= 0
// uses the configured default. Transport failures come back as *Error;
// bridge-side failures come back as an error-status Response with err nil.
func (c *Connection) SendCommand(ctx context.Context, command string, params map[string]any, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, newError(protocol.CodeConnectionLost,
			"Not connected to MeshForge. Use manage_connection(action=\"reconnect\") to re-establish the connection.")
	}

	req := protocol.NewRequest(command, params)
	c.logger.Debug("sending command", zap.String("command", command), zap.Duration("timeout", timeout))
	resp, err := c.sendRaw(req, timeout)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("command answered", zap.String("command", command), zap.String("status", resp.Status))
	return resp, nil
}

// sendRaw writes one request and reads lines until it sees the matching
// response or the deadline lapses. Caller holds the mutex. A read timeout
// does not mark the connection lost: the bridge may still be working and
// will answer later, at which point the stale line gets discarded by the
// next command's correlation loop.
func (c *Connection) sendRaw(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, newError(protocol.CodeInternalError, "encoding request: %v", err)
	}

	deadline := time.Now().Add(timeout)
	_ = c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(payload); err != nil {
		c.markLostLocked()
		return nil, newError(protocol.CodeConnectionLost,
			"Lost connection to MeshForge while sending command: %v. Use manage_connection(action=\"reconnect\") to re-establish.", err)
	}

	for {
		_ = c.conn.SetReadDeadline(deadline)
		raw, err := c.reader.ReadBytes('\n')
		if err != nil {
			var nerr net.Error
			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				return protocol.NewErrorResponse(req.MessageID, protocol.CodeTimeout,
					fmt.Sprintf("Command '%s' timed out after %.0fs. The command may still be running in MeshForge.",
						req.Command, timeout.Seconds())), nil
			case errors.Is(err, io.EOF):
				c.markLostLocked()
				return nil, newError(protocol.CodeConnectionLost,
					"MeshForge closed the connection (possibly crashed). Use manage_connection(action=\"reconnect\") after restarting MeshForge.")
			default:
				c.markLostLocked()
				return nil, newError(protocol.CodeConnectionLost,
					"Lost connection to MeshForge while waiting for a response: %v. Use manage_connection(action=\"reconnect\") to re-establish.", err)
			}
		}

		resp, perr := protocol.ParseResponse(raw)
		if perr != nil {
			return protocol.NewErrorResponse(req.MessageID, protocol.CodeInternalError,
				fmt.Sprintf("Received malformed response from MeshForge: %v. Raw (truncated): %s",
					perr, truncateBytes(raw, 200))), nil
		}
		if resp.MessageID != req.MessageID {
			c.logger.Warn("discarding response with unexpected message id",
				zap.String("want", req.MessageID),
				zap.String("got", resp.MessageID))
			continue
		}
		return resp, nil
	}
}

// PingResult reports one round-trip measurement.
type PingResult struct {
	Status    string             `json:"status"`
	LatencyMS float64            `json:"latency_ms"`
	Error     string             `json:"error,omitempty"`
	ErrorCode protocol.ErrorCode `json:"error_code,omitempty"`
}

// Ping measures round-trip latency to the bridge.
func (c *Connection) Ping(ctx context.Context) PingResult {
	start := time.Now()
	resp, err := c.SendCommand(ctx, protocol.CommandPing, nil, pingTimeout)
	latency := roundTo(float64(time.Since(start).Microseconds())/1000, 2)

	if err != nil {
		res := PingResult{Status: "error", LatencyMS: latency, Error: err.Error()}
		var cerr *Error
		if errors.As(err, &cerr) {
			res.ErrorCode = cerr.Code
		}
		return res
	}
	if resp.IsSuccess() {
		return PingResult{Status: "ok", LatencyMS: latency}
	}
	return PingResult{
		Status:    "error",
		LatencyMS: latency,
		Error:     resp.Error.Message,
		ErrorCode: resp.Error.Code,
	}
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
