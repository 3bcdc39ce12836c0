package config

import "time"

// Duration wraps time.Duration so TOML values parse from strings like
// "500ms" or "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level meshbridge configuration.
type Config struct {
	Connection  ConnectionConfig `toml:"connection"`
	Bridge      BridgeConfig     `toml:"bridge"`
	Health      HealthConfig     `toml:"health"`
	Logging     LoggingConfig    `toml:"logging"`
	Diagnostics DiagConfig       `toml:"diagnostics"`
}

// ConnectionConfig tunes the MCP-side connection to the bridge addon.
type ConnectionConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	CommandTimeout Duration `toml:"command_timeout"` // default per-command wait
}

// BridgeConfig tunes the bridge server (embedded in MeshForge or run
// standalone via the bridge subcommand).
type BridgeConfig struct {
	Port         int      `toml:"port"`
	QueueSize    int      `toml:"queue_size"`
	TickInterval Duration `toml:"tick_interval"` // main-loop cadence
	GraceTimeout Duration `toml:"grace_timeout"` // slack past the command timeout
	MetricsAddr  string   `toml:"metrics_addr"`  // e.g. "127.0.0.1:9877"; empty disables the endpoint
}

// HealthConfig tunes the background health monitor.
type HealthConfig struct {
	Interval     Duration `toml:"interval"`
	CheckTimeout Duration `toml:"check_timeout"`
	HistoryLimit int      `toml:"history_limit"`
}

// LoggingConfig selects the log level, format, and optional file sink.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console or json
	Dir    string `toml:"dir"`    // when set, a rotating file sink is added
}

// DiagConfig controls the operation log database.
type DiagConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`  // empty means the default state directory
	Lean    bool   `toml:"lean"` // record only failed operations
}
