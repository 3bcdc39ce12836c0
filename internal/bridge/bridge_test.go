package bridge

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/protocol"
)

func startBridge(t *testing.T, cfg Config, table *dispatch.Table) *Bridge {
	t.Helper()
	b := New(cfg, table, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func dialBridge(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	addr := b.Addr()
	if addr == nil {
		t.Fatal("bridge has no address")
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResponse(t *testing.T, conn net.Conn) *protocol.Response {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := protocol.ParseResponse(raw)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return resp
}

func TestBridgeServesCommandOverTCP(t *testing.T) {
	table := dispatch.NewTable(nil)
	RegisterCoreHandlers(table, "4.2.0")
	b := startBridge(t, Config{Port: 0}, table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunLoop(ctx)

	conn := dialBridge(t, b)
	req, _ := protocol.NewRequest(protocol.CommandPing, nil).Encode()
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	if !resp.IsSuccess() {
		t.Fatalf("status = %q, want success (error: %+v)", resp.Status, resp.Error)
	}
	if resp.Result["pong"] != true {
		t.Fatalf("result = %v, want pong", resp.Result)
	}
	if _, ok := resp.Result["_execution_time"]; !ok {
		t.Fatal("result missing _execution_time")
	}
}

func TestBridgeAnswersUnparseableLine(t *testing.T) {
	table := dispatch.NewTable(nil)
	b := startBridge(t, Config{Port: 0}, table)

	conn := dialBridge(t, b)
	sendLine(t, conn, "this is not json")

	resp := readResponse(t, conn)
	if resp.IsSuccess() {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != protocol.CodeInvalidMessage {
		t.Fatalf("code = %q, want %q", resp.Error.Code, protocol.CodeInvalidMessage)
	}
	if resp.MessageID == "" {
		t.Fatal("synthesized response should carry a message id")
	}
}

func TestBridgeRoutesUnknownCommandThroughDispatch(t *testing.T) {
	table := dispatch.NewTable(nil)
	RegisterCoreHandlers(table, "4.2.0")
	b := startBridge(t, Config{Port: 0}, table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunLoop(ctx)

	conn := dialBridge(t, b)
	sendLine(t, conn, `{"protocol_version":"0.1.0","message_id":"m-1","command":"warp_drive","params":{}}`)

	resp := readResponse(t, conn)
	if resp.MessageID != "m-1" {
		t.Fatalf("message_id = %q, want m-1", resp.MessageID)
	}
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidCommand {
		t.Fatalf("error = %+v, want %s", resp.Error, protocol.CodeInvalidCommand)
	}
	if resp.Error.Context["valid_commands"] == nil {
		t.Fatal("error context missing valid_commands")
	}
}

func TestBridgeProcessesOneCommandPerTick(t *testing.T) {
	var calls atomic.Int32
	table := dispatch.NewTable(nil)
	table.Register("count", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	b := startBridge(t, Config{Port: 0}, table)

	first := dialBridge(t, b)
	second := dialBridge(t, b)
	req, _ := protocol.NewRequest("count", nil).Encode()
	if _, err := first.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := second.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Status().QueueDepth < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("queue depth = %d, want 2", b.Status().QueueDepth)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !b.Tick(context.Background()) {
		t.Fatal("first Tick processed nothing")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls after one tick = %d, want 1", got)
	}
	if !b.Tick(context.Background()) {
		t.Fatal("second Tick processed nothing")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls after two ticks = %d, want 2", got)
	}
	if b.Tick(context.Background()) {
		t.Fatal("third Tick should find an empty queue")
	}
}

func TestBridgeNeverOverlapsHandlers(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	table := dispatch.NewTable(nil)
	table.Register("busy", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		if inFlight.Add(1) != 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{"done": true}, nil
	})
	b := startBridge(t, Config{Port: 0, TickInterval: time.Millisecond}, table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", b.Addr().String())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			reader := bufio.NewReader(conn)
			req, _ := protocol.NewRequest("busy", nil).Encode()
			for j := 0; j < 3; j++ {
				if _, err := conn.Write(req); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := reader.ReadBytes('\n'); err != nil {
					t.Errorf("read: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("handlers ran concurrently")
	}
}

func TestBridgeBoundsQueueWait(t *testing.T) {
	table := dispatch.NewTable(nil)
	table.Register("never", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})
	// No ticker runs, so the command sits in the queue until the wait
	// budget (0.05s timeout + 50ms grace) lapses.
	b := startBridge(t, Config{Port: 0, GraceTimeout: 50 * time.Millisecond}, table)

	conn := dialBridge(t, b)
	sendLine(t, conn, `{"command":"never","params":{"timeout":0.05}}`)

	start := time.Now()
	resp := readResponse(t, conn)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout response took %v", elapsed)
	}
	if resp.Error == nil || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("error = %+v, want %s", resp.Error, protocol.CodeTimeout)
	}
}

func TestBridgeStopDisconnectsClients(t *testing.T) {
	table := dispatch.NewTable(nil)
	b := New(Config{Port: 0}, table, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dialBridge(t, b)
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadBytes('\n'); err == nil {
		t.Fatal("expected read to fail after Stop")
	}

	if st := b.Status().State; st != StateStopped {
		t.Fatalf("state = %q, want %q", st, StateStopped)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestBridgeRestartsAfterStop(t *testing.T) {
	table := dispatch.NewTable(nil)
	RegisterCoreHandlers(table, "4.2.0")
	b := New(Config{Port: 0}, table, nil, NewMetrics())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunLoop(ctx)

	conn := dialBridge(t, b)
	req, _ := protocol.NewRequest(protocol.CommandPing, nil).Encode()
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := readResponse(t, conn); !resp.IsSuccess() {
		t.Fatalf("ping after restart failed: %+v", resp.Error)
	}
}

func TestBridgeStatusCountsConnections(t *testing.T) {
	table := dispatch.NewTable(nil)
	b := startBridge(t, Config{Port: 0}, table)

	st := b.Status()
	if st.State != StateListening {
		t.Fatalf("state = %q, want %q", st.State, StateListening)
	}
	if st.Port == 0 {
		t.Fatal("status should expose the bound port")
	}

	dialBridge(t, b)
	dialBridge(t, b)
	deadline := time.Now().Add(2 * time.Second)
	for b.Status().ActiveConnections < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("active connections = %d, want 2", b.Status().ActiveConnections)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.Status().TotalConnections; got != 2 {
		t.Fatalf("total connections = %d, want 2", got)
	}
}
