// Package connection manages the MCP server's TCP link to the MeshForge
// bridge addon: dialing, the version handshake, command round-trips, and
// the failure modes in between. One Connection is shared by all tools; an
// internal mutex serializes use so commands never interleave on the wire.
package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/protocol"
)

const (
	readBufSize      = 64 * 1024
	handshakeTimeout = 5 * time.Second
	pingTimeout      = 5 * time.Second
)

// Error is a transport-level failure talking to the bridge. Execution
// errors travel inside a Response instead and never surface as Error.
type Error struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code protocol.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Config tunes the connection. Zero fields take defaults.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration // default per-command wait
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = protocol.DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	return c
}

// Connection is the client side of the bridge protocol.
type Connection struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	conn           net.Conn
	reader         *bufio.Reader
	connected      bool
	connCount      int
	connectedAt    time.Time
	appVersion     string
	addonVersion   string
	remoteProtocol string
}

// New builds a disconnected Connection.
func New(cfg Config, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{cfg: cfg.withDefaults(), logger: logger}
}

// Connect dials the bridge and performs the version handshake. Connecting
// while already connected is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	c.logger.Info("connecting to MeshForge", zap.String("addr", addr))

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return newError(protocol.CodeConnectionTimeout,
				"Connection to MeshForge timed out after %.0fs. Check that MeshForge is running and the bridge addon is listening on port %d.",
				c.cfg.ConnectTimeout.Seconds(), c.cfg.Port)
		}
		return newError(protocol.CodeConnectionRefused,
			"Cannot connect to MeshForge on %s. Ensure MeshForge is running with the bridge addon enabled and the server started.",
			addr)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, readBufSize)
	c.connected = true
	c.connCount++
	c.connectedAt = time.Now()
	c.logger.Info("TCP connection established")

	if err := c.handshake(); err != nil {
		c.closeLocked()
		return err
	}
	return nil
}

// handshake sends get_version and checks protocol compatibility. Any
// failure leaves the caller to tear the connection down.
func (c *Connection) handshake() error {
	c.logger.Debug("performing protocol handshake")
	req := protocol.NewRequest(protocol.CommandGetVersion, nil)
	resp, err := c.sendRaw(req, handshakeTimeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return newError(resp.Error.Code, "Handshake failed: %s", resp.Error.Message)
	}

	result := resp.Result
	c.remoteProtocol = stringField(result, "protocol_version", "unknown")
	c.appVersion = stringField(result, "app_version", "unknown")
	c.addonVersion = stringField(result, "addon_version", "unknown")

	if !protocol.VersionsCompatible(protocol.Version, c.remoteProtocol) {
		stale := "MeshForge bridge addon"
		if cmp, cmpErr := protocol.CompareVersions(c.remoteProtocol, protocol.Version); cmpErr == nil && cmp > 0 {
			stale = "MCP server"
		}
		return newError(protocol.CodeVersionMismatch,
			"Protocol version mismatch: MCP server uses %s, MeshForge addon uses %s. Update the %s to resolve this.",
			protocol.Version, c.remoteProtocol, stale)
	}

	c.logger.Info("handshake ok",
		zap.String("app_version", c.appVersion),
		zap.String("addon_version", c.addonVersion),
		zap.String("protocol_version", c.remoteProtocol))
	return nil
}

// Disconnect closes the TCP connection. Safe to call at any time.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.closeLocked()
		c.logger.Info("disconnected from MeshForge")
	}
}

// Reconnect tears down and re-establishes the connection, returning the
// new status.
func (c *Connection) Reconnect(ctx context.Context) (StatusInfo, error) {
	c.logger.Info("reconnecting to MeshForge")
	c.Disconnect()
	if err := c.Connect(ctx); err != nil {
		return c.Status(), err
	}
	return c.Status(), nil
}

func (c *Connection) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
	c.connected = false
}

// markLostLocked records a dead peer without double-closing.
func (c *Connection) markLostLocked() {
	c.closeLocked()
}

// StatusInfo is a snapshot of the connection state.
type StatusInfo struct {
	Connected             bool    `json:"connected"`
	Host                  string  `json:"host"`
	Port                  int     `json:"port"`
	AppVersion            string  `json:"app_version,omitempty"`
	AddonVersion          string  `json:"addon_version,omitempty"`
	RemoteProtocolVersion string  `json:"protocol_version,omitempty"`
	LocalProtocolVersion  string  `json:"server_protocol_version"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	ConnectionCount       int     `json:"connection_count"`
}

// Status reports the current connection state.
func (c *Connection) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := StatusInfo{
		Connected:             c.connected,
		Host:                  c.cfg.Host,
		Port:                  c.cfg.Port,
		AppVersion:            c.appVersion,
		AddonVersion:          c.addonVersion,
		RemoteProtocolVersion: c.remoteProtocol,
		LocalProtocolVersion:  protocol.Version,
		ConnectionCount:       c.connCount,
	}
	if c.connected {
		st.UptimeSeconds = roundTo(time.Since(c.connectedAt).Seconds(), 1)
	}
	return st
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
