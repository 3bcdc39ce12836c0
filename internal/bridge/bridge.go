// Package bridge implements the MeshForge-side TCP server. It accepts
// loopback connections, reads newline-delimited JSON requests, and funnels
// them through a single-consumer queue so command execution happens only on
// the application's main loop.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/protocol"
)

// Bridge lifecycle states.
const (
	StateStopped   = "stopped"
	StateListening = "listening"
	StateError     = "error"
)

const (
	initialScanBuf   = 1 << 20 // 1 MiB per-connection read buffer
	responseDeadline = 10 * time.Second
)

// Config tunes the bridge server. Zero fields take defaults.
type Config struct {
	Port         int
	QueueSize    int
	TickInterval time.Duration // main-loop cadence for RunLoop
	GraceTimeout time.Duration // reader slack past the per-command timeout
	MaxLineBytes int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 10 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 32 << 20
	}
	return c
}

// pending is one queued command with a one-shot slot for its response.
type pending struct {
	req  *protocol.Request
	resp chan *protocol.Response // buffered 1, written once by the main loop
}

// Bridge listens for client connections and owns the command queue. Reader
// goroutines enqueue; only Tick dequeues.
type Bridge struct {
	cfg     Config
	table   *dispatch.Table
	logger  *zap.Logger
	metrics *Metrics

	queue chan *pending

	mu            sync.Mutex
	state         string
	ln            net.Listener
	done          chan struct{} // closed on Stop, wakes waiting readers
	conns         map[net.Conn]struct{}
	wg            sync.WaitGroup
	totalConns    int
	lastCommand   string
	lastCommandAt time.Time
}

// New builds a bridge around the handler table. metrics may be nil.
func New(cfg Config, table *dispatch.Table, logger *zap.Logger, metrics *Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Bridge{
		cfg:     cfg,
		table:   table,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan *pending, cfg.QueueSize),
		state:   StateStopped,
		done:    make(chan struct{}),
		conns:   map[net.Conn]struct{}{},
	}
}

// Start binds the loopback listener and begins accepting connections.
// Starting an already listening bridge is an error.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateListening {
		return errors.New("bridge already listening")
	}

	lc := net.ListenConfig{Control: listenControl}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(b.cfg.Port))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		b.state = StateError
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	b.ln = ln
	b.state = StateListening
	done := b.done

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop(ln, done)
	}()
	b.logger.Info("bridge listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and all client connections, then waits for the
// reader goroutines to finish. Queued commands that were never dispatched
// are dropped. Stopping a stopped bridge is a no-op.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.state != StateListening {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopped
	ln := b.ln
	b.ln = nil
	close(b.done)
	for conn := range b.conns {
		_ = conn.Close()
	}
	b.mu.Unlock()

	err := ln.Close()
	b.wg.Wait()

	b.mu.Lock()
	b.done = make(chan struct{})
	b.mu.Unlock()
	b.drainQueue()
	b.logger.Info("bridge stopped")
	return err
}

func (b *Bridge) drainQueue() {
	for {
		select {
		case <-b.queue:
		default:
			return
		}
	}
}

// Addr returns the bound listener address, or nil when not listening.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Bridge) acceptLoop(ln net.Listener, done chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Error("accept failed", zap.Error(err))
			b.mu.Lock()
			if b.state == StateListening {
				b.state = StateError
			}
			b.mu.Unlock()
			return
		}

		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.totalConns++
		b.mu.Unlock()
		b.metrics.ConnectionOpened()
		b.logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.dropConn(conn)
			b.handleConn(conn, done)
		}()
	}
}

func (b *Bridge) dropConn(conn net.Conn) {
	_ = conn.Close()
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	b.metrics.ConnectionClosed()
	b.logger.Info("client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

// handleConn reads request lines until the client goes away. Commands on one
// connection are handled sequentially; concurrency comes from multiple
// clients. A line over MaxLineBytes ends the connection.
func (b *Bridge) handleConn(conn net.Conn, done chan struct{}) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, initialScanBuf), b.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b.handleLine(conn, line, done)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Debug("connection read ended", zap.Error(err))
	}
}

// handleLine parses one request, queues it, and waits for the main loop to
// answer. The wait budget is the command's own timeout plus the grace
// period; past that the client gets a synthesized TIMEOUT and the slot is
// abandoned.
func (b *Bridge) handleLine(conn net.Conn, line []byte, done chan struct{}) {
	req, err := decodeRequestLine(line)
	if err != nil {
		b.logger.Warn("invalid message", zap.Error(err))
		b.metrics.InvalidMessage()
		b.writeResponse(conn, protocol.NewErrorResponse(
			protocol.NewMessageID(), protocol.CodeInvalidMessage, err.Error()))
		return
	}

	p := &pending{req: req, resp: make(chan *protocol.Response, 1)}
	wait := commandWait(req.Params) + b.cfg.GraceTimeout
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case b.queue <- p:
	case <-timer.C:
		b.writeTimeout(conn, req, wait)
		return
	case <-done:
		return
	}
	b.metrics.QueueDepthObserved(len(b.queue))

	select {
	case resp := <-p.resp:
		b.writeResponse(conn, resp)
	case <-timer.C:
		b.writeTimeout(conn, req, wait)
	case <-done:
	}
}

// decodeRequestLine is deliberately lenient: anything that is valid JSON
// with a command field gets queued, so dispatch can answer unknown commands
// with the valid command list. Only unparseable lines fail here.
func decodeRequestLine(line []byte) (*protocol.Request, error) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v; raw: %s", err, truncate(line, 200))
	}
	if req.Command == "" {
		return nil, fmt.Errorf("missing command field; raw: %s", truncate(line, 200))
	}
	if req.MessageID == "" {
		req.MessageID = protocol.NewMessageID()
	}
	if req.ProtocolVersion == "" {
		req.ProtocolVersion = protocol.Version
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return &req, nil
}

// commandWait reads the per-command timeout from params, in seconds.
func commandWait(params map[string]any) time.Duration {
	secs := 60.0
	switch v := params["timeout"].(type) {
	case float64:
		if v > 0 {
			secs = v
		}
	case int:
		if v > 0 {
			secs = float64(v)
		}
	}
	return time.Duration(secs * float64(time.Second))
}

func (b *Bridge) writeTimeout(conn net.Conn, req *protocol.Request, wait time.Duration) {
	b.logger.Warn("command timed out in queue",
		zap.String("command", req.Command),
		zap.Duration("wait", wait))
	b.metrics.CommandObserved(req.Command, protocol.StatusError, wait)
	b.writeResponse(conn, protocol.NewErrorResponse(req.MessageID, protocol.CodeTimeout,
		fmt.Sprintf("Command '%s' timed out after %.0fs waiting for the main loop", req.Command, wait.Seconds())))
}

func (b *Bridge) writeResponse(conn net.Conn, resp *protocol.Response) {
	raw, err := resp.Encode()
	if err != nil {
		b.logger.Error("encoding response", zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(responseDeadline))
	if _, err := conn.Write(raw); err != nil {
		b.logger.Warn("writing response", zap.Error(err))
	}
	_ = conn.SetWriteDeadline(time.Time{})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
