package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the bridge server. A nil
// *Metrics disables collection, so callers never have to guard.
type Metrics struct {
	registry        *prometheus.Registry
	ConnectionsOpen prometheus.Gauge
	ConnectionsSeen prometheus.Counter
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	InvalidMessages prometheus.Counter
}

// NewMetrics constructs a metrics registry with bridge collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	open := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_connections_open",
		Help: "Currently connected bridge clients",
	})

	seen := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_connections_total",
		Help: "Total client connections accepted",
	})

	cmds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_commands_total",
		Help: "Commands processed by command and status",
	}, []string{"command", "status"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshbridge_command_duration_seconds",
		Help:    "Command execution time in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_queue_depth",
		Help: "Commands waiting for the main loop",
	})

	invalid := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_invalid_messages_total",
		Help: "Request lines rejected before queueing",
	})

	reg.MustRegister(open, seen, cmds, durs, depth, invalid)

	return &Metrics{
		registry:        reg,
		ConnectionsOpen: open,
		ConnectionsSeen: seen,
		Commands:        cmds,
		CommandDuration: durs,
		QueueDepth:      depth,
		InvalidMessages: invalid,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ConnectionOpened records an accepted client.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Inc()
	m.ConnectionsSeen.Inc()
}

// ConnectionClosed records a departed client.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Dec()
}

// CommandObserved records one processed command.
func (m *Metrics) CommandObserved(command, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.Commands.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// QueueDepthObserved records the current queue backlog.
func (m *Metrics) QueueDepthObserved(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// InvalidMessage records a request line that could not be parsed.
func (m *Metrics) InvalidMessage() {
	if m == nil {
		return
	}
	m.InvalidMessages.Inc()
}
