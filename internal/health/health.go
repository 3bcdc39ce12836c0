// Package health tracks the MCP server's link to the MeshForge bridge. A
// background job pings on a fixed cadence, failures and recoveries land in
// a bounded event history, and the whole state exports as a report for
// connection diagnostics.
package health

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/connection"
	"github.com/meshforge/meshbridge/internal/protocol"
)

// Pinger is the slice of the connection the monitor needs. Satisfied by
// *connection.Connection.
type Pinger interface {
	Ping(ctx context.Context) connection.PingResult
	Status() connection.StatusInfo
}

// Config tunes the monitor. Zero fields take defaults.
type Config struct {
	Interval     time.Duration // cadence of background pings
	CheckTimeout time.Duration // budget for one check
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// Event is one entry in the health history. Fields are event-specific;
// absent ones stay out of the JSON export.
type Event struct {
	TS                        time.Time `json:"ts"`
	Event                     string    `json:"event"`
	Reason                    string    `json:"reason,omitempty"`
	LatencyMS                 float64   `json:"latency_ms,omitempty"`
	ConsecutiveFailures       int       `json:"consecutive_failures,omitempty"`
	ConsecutiveFailuresBefore int       `json:"consecutive_failures_before,omitempty"`
	Success                   *bool     `json:"success,omitempty"`
	AttemptNumber             int       `json:"attempt_number,omitempty"`
}

// Stats is the aggregate health state.
type Stats struct {
	Healthy             bool     `json:"healthy"`
	TotalPings          int      `json:"total_pings"`
	SuccessfulPings     int      `json:"successful_pings"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	ReconnectAttempts   int      `json:"reconnect_attempts"`
	LastSuccessAgoS     *float64 `json:"last_success_ago_s"`
	MonitorUptimeS      float64  `json:"monitor_uptime_s"`
	PingIntervalS       float64  `json:"ping_interval_s"`
}

// Report is Stats plus the event history.
type Report struct {
	Stats
	History []Event `json:"history"`
}

// Monitor runs periodic pings against the bridge and keeps score.
type Monitor struct {
	cfg    Config
	pinger Pinger
	logger *zap.Logger

	mu                  sync.Mutex
	cron                *cron.Cron
	totalPings          int
	successfulPings     int
	consecutiveFailures int
	reconnectAttempts   int
	startedAt           time.Time
	lastSuccessAt       time.Time
	history             []Event
}

// New builds a monitor around the given pinger. Call Start to begin
// background checks; the monitor is usable (counters, manual checks)
// without them.
func New(cfg Config, pinger Pinger, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		pinger:    pinger,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start launches the background ping job. The first check happens one full
// interval after Start, not immediately. Starting a running monitor is a
// no-op; counters survive Stop/Start cycles.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(m.cfg.Interval), cron.FuncJob(m.runCheck))
	c.Start()
	m.cron = c
	m.logger.Info("health monitor started", zap.Duration("interval", m.cfg.Interval))
}

// Stop cancels the background job. In-flight checks finish on their own.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil {
		return
	}
	m.cron.Stop()
	m.cron = nil
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()
	m.check(ctx)
}

// check performs one ping and records the outcome.
func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	m.totalPings++
	m.mu.Unlock()

	if !m.pinger.Status().Connected {
		m.recordFailure("not_connected", 0)
		return
	}

	res := m.pinger.Ping(ctx)
	switch {
	case res.Status == "ok":
		m.recordSuccess(res.LatencyMS)
	case res.ErrorCode == protocol.CodeTimeout:
		m.recordFailure("ping_timeout", res.LatencyMS)
	case res.Error != "":
		m.recordFailure(res.Error, res.LatencyMS)
	default:
		m.recordFailure("ping_error", res.LatencyMS)
	}
}

func (m *Monitor) recordSuccess(latencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.consecutiveFailures
	m.consecutiveFailures = 0
	m.successfulPings++
	m.lastSuccessAt = time.Now()

	event := "ok"
	if prev > 0 {
		event = "recovered"
		m.logger.Info("connection recovered", zap.Int("failures_before", prev))
	} else {
		m.logger.Debug("ping ok", zap.Float64("latency_ms", latencyMS))
	}
	m.appendLocked(Event{
		Event:                     event,
		LatencyMS:                 latencyMS,
		ConsecutiveFailuresBefore: prev,
	})
}

func (m *Monitor) recordFailure(reason string, latencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	m.logger.Warn("ping failed",
		zap.String("reason", reason),
		zap.Int("consecutive", m.consecutiveFailures))
	m.appendLocked(Event{
		Event:               "failure",
		Reason:              reason,
		LatencyMS:           latencyMS,
		ConsecutiveFailures: m.consecutiveFailures,
	})
}

// RecordReconnectAttempt notes a manage_connection reconnect. A successful
// attempt clears the failure streak.
func (m *Monitor) RecordReconnectAttempt(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectAttempts++
	m.appendLocked(Event{
		Event:         "reconnect_attempt",
		Success:       &success,
		AttemptNumber: m.reconnectAttempts,
	})
	if success {
		m.consecutiveFailures = 0
		m.lastSuccessAt = time.Now()
		m.logger.Info("reconnect succeeded", zap.Int("attempt", m.reconnectAttempts))
	} else {
		m.logger.Warn("reconnect failed", zap.Int("attempt", m.reconnectAttempts))
	}
}

// RecordConnectionLost notes a command that died to connection loss.
func (m *Monitor) RecordConnectionLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(Event{Event: "connection_lost", Reason: reason})
	m.logger.Error("connection lost", zap.String("reason", reason))
}

func (m *Monitor) appendLocked(e Event) {
	e.TS = time.Now()
	m.history = append(m.history, e)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[1:]
	}
}

// Healthy reports whether the connection is up with no failure streak.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinger.Status().Connected && m.consecutiveFailures == 0
}

// Status returns the aggregate counters.
func (m *Monitor) Status() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Monitor) statsLocked() Stats {
	st := Stats{
		Healthy:             m.pinger.Status().Connected && m.consecutiveFailures == 0,
		TotalPings:          m.totalPings,
		SuccessfulPings:     m.successfulPings,
		ConsecutiveFailures: m.consecutiveFailures,
		ReconnectAttempts:   m.reconnectAttempts,
		MonitorUptimeS:      roundTo(time.Since(m.startedAt).Seconds(), 1),
		PingIntervalS:       m.cfg.Interval.Seconds(),
	}
	if !m.lastSuccessAt.IsZero() {
		ago := roundTo(time.Since(m.lastSuccessAt).Seconds(), 1)
		st.LastSuccessAgoS = &ago
	}
	return st
}

// Report returns the counters plus a copy of the event history.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Report{
		Stats:   m.statsLocked(),
		History: append([]Event(nil), m.history...),
	}
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}
