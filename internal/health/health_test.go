package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshforge/meshbridge/internal/connection"
	"github.com/meshforge/meshbridge/internal/protocol"
)

// stubPinger plays back scripted ping results.
type stubPinger struct {
	mu        sync.Mutex
	connected bool
	results   []connection.PingResult
	calls     int
}

func (s *stubPinger) Ping(ctx context.Context) connection.PingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return connection.PingResult{Status: "ok", LatencyMS: 1.0}
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res
}

func (s *stubPinger) Status() connection.StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return connection.StatusInfo{Connected: s.connected}
}

func (s *stubPinger) pingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func lastEvent(t *testing.T, m *Monitor) Event {
	t.Helper()
	hist := m.Report().History
	if len(hist) == 0 {
		t.Fatal("history is empty")
	}
	return hist[len(hist)-1]
}

func TestCheckRecordsSuccess(t *testing.T) {
	pinger := &stubPinger{connected: true, results: []connection.PingResult{{Status: "ok", LatencyMS: 1.5}}}
	m := New(Config{}, pinger, nil)

	m.check(context.Background())

	st := m.Status()
	if !st.Healthy {
		t.Fatal("expected healthy")
	}
	if st.TotalPings != 1 || st.SuccessfulPings != 1 {
		t.Fatalf("pings = %d/%d, want 1/1", st.SuccessfulPings, st.TotalPings)
	}
	if st.LastSuccessAgoS == nil {
		t.Fatal("last success should be recorded")
	}
	ev := lastEvent(t, m)
	if ev.Event != "ok" || ev.LatencyMS != 1.5 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCheckFailsWhenDisconnected(t *testing.T) {
	pinger := &stubPinger{connected: false}
	m := New(Config{}, pinger, nil)

	m.check(context.Background())

	st := m.Status()
	if st.Healthy {
		t.Fatal("expected unhealthy")
	}
	if st.TotalPings != 1 || st.SuccessfulPings != 0 || st.ConsecutiveFailures != 1 {
		t.Fatalf("stats = %+v", st)
	}
	ev := lastEvent(t, m)
	if ev.Event != "failure" || ev.Reason != "not_connected" {
		t.Fatalf("event = %+v", ev)
	}
	if pinger.pingCalls() != 0 {
		t.Fatal("should not ping a disconnected peer")
	}
}

func TestCheckMapsTimeoutReason(t *testing.T) {
	pinger := &stubPinger{connected: true, results: []connection.PingResult{{
		Status:    "error",
		LatencyMS: 5000,
		Error:     "Command 'ping' timed out after 5s.",
		ErrorCode: protocol.CodeTimeout,
	}}}
	m := New(Config{}, pinger, nil)

	m.check(context.Background())

	ev := lastEvent(t, m)
	if ev.Event != "failure" || ev.Reason != "ping_timeout" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRecoveryAfterFailures(t *testing.T) {
	pinger := &stubPinger{connected: true, results: []connection.PingResult{
		{Status: "error", Error: "boom"},
		{Status: "error", Error: "boom"},
		{Status: "ok", LatencyMS: 2.0},
	}}
	m := New(Config{}, pinger, nil)

	for i := 0; i < 3; i++ {
		m.check(context.Background())
	}

	st := m.Status()
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", st.ConsecutiveFailures)
	}
	ev := lastEvent(t, m)
	if ev.Event != "recovered" {
		t.Fatalf("event = %q, want recovered", ev.Event)
	}
	if ev.ConsecutiveFailuresBefore != 2 {
		t.Fatalf("failures before recovery = %d, want 2", ev.ConsecutiveFailuresBefore)
	}
}

func TestHistoryStaysBounded(t *testing.T) {
	pinger := &stubPinger{connected: false}
	m := New(Config{HistoryLimit: 5}, pinger, nil)

	for i := 0; i < 8; i++ {
		m.check(context.Background())
	}

	hist := m.Report().History
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
	// Oldest entries were dropped, so the first kept failure is the 4th.
	if hist[0].ConsecutiveFailures != 4 {
		t.Fatalf("oldest kept event = %+v", hist[0])
	}
}

func TestReconnectAttemptClearsStreak(t *testing.T) {
	pinger := &stubPinger{connected: true, results: []connection.PingResult{{Status: "error", Error: "boom"}}}
	m := New(Config{}, pinger, nil)

	m.check(context.Background())
	m.RecordReconnectAttempt(false)
	if st := m.Status(); st.ConsecutiveFailures != 1 || st.ReconnectAttempts != 1 {
		t.Fatalf("stats after failed attempt = %+v", st)
	}

	m.RecordReconnectAttempt(true)
	st := m.Status()
	if st.ConsecutiveFailures != 0 || st.ReconnectAttempts != 2 {
		t.Fatalf("stats after successful attempt = %+v", st)
	}
	ev := lastEvent(t, m)
	if ev.Event != "reconnect_attempt" || ev.Success == nil || !*ev.Success || ev.AttemptNumber != 2 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRecordConnectionLost(t *testing.T) {
	m := New(Config{}, &stubPinger{}, nil)
	m.RecordConnectionLost("write: broken pipe")

	ev := lastEvent(t, m)
	if ev.Event != "connection_lost" || ev.Reason != "write: broken pipe" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestReportCarriesIntervalAndCopies(t *testing.T) {
	m := New(Config{}, &stubPinger{connected: true}, nil)
	m.check(context.Background())

	rep := m.Report()
	if rep.PingIntervalS != 30 {
		t.Fatalf("interval = %v, want default 30", rep.PingIntervalS)
	}
	rep.History[0].Event = "mutated"
	if got := m.Report().History[0].Event; got == "mutated" {
		t.Fatal("Report must return a copy of the history")
	}
}

func TestStartRunsBackgroundChecks(t *testing.T) {
	pinger := &stubPinger{connected: true}
	m := New(Config{Interval: time.Second}, pinger, nil)
	m.Start()
	m.Start() // second Start is a no-op
	defer m.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for pinger.pingCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background check never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCountersSurviveRestart(t *testing.T) {
	pinger := &stubPinger{connected: true}
	m := New(Config{Interval: time.Minute}, pinger, nil)

	m.check(context.Background())
	m.Start()
	m.Stop()
	m.Start()
	defer m.Stop()

	if st := m.Status(); st.TotalPings != 1 {
		t.Fatalf("total pings after restart = %d, want 1", st.TotalPings)
	}
}
