package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meshforge/meshbridge/internal/paths"
	"github.com/meshforge/meshbridge/internal/protocol"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:           "127.0.0.1",
			Port:           protocol.DefaultPort,
			ConnectTimeout: Duration(5 * time.Second),
			CommandTimeout: Duration(30 * time.Second),
		},
		Bridge: BridgeConfig{
			Port:         protocol.DefaultPort,
			QueueSize:    64,
			TickInterval: Duration(50 * time.Millisecond),
			GraceTimeout: Duration(10 * time.Second),
		},
		Health: HealthConfig{
			Interval:     Duration(30 * time.Second),
			CheckTimeout: Duration(5 * time.Second),
			HistoryLimit: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Diagnostics: DiagConfig{
			Enabled: true,
			Lean:    true,
		},
	}
}

// Load reads the config file from the default location.
// If the config file does not exist, it returns the defaults (no error).
func Load() (*Config, error) {
	return LoadFrom(paths.ConfigFile())
}

// LoadFrom reads and parses a config file at the given path. File values
// layer over the defaults and environment overrides layer over both.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	expandConfigEnvVars(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv layers process environment overrides over the file values.
// MESHFORGE_HOST and MESHFORGE_PORT pick the bridge endpoint, and
// MESHBRIDGE_LOG_LEVEL sets the log level (DEBUG also flips diagnostics to
// verbose mode).
func applyEnv(cfg *Config) {
	if v := os.Getenv("MESHFORGE_HOST"); v != "" {
		cfg.Connection.Host = v
	}
	if v := os.Getenv("MESHFORGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			cfg.Connection.Port = p
		}
	}
	if v := os.Getenv("MESHBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
		if strings.EqualFold(v, "debug") {
			cfg.Diagnostics.Lean = false
		}
	}
}

func expandConfigEnvVars(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Connection.Host = expandEnvVars(cfg.Connection.Host)
	cfg.Bridge.MetricsAddr = expandEnvVars(cfg.Bridge.MetricsAddr)
	cfg.Logging.Dir = expandEnvVars(cfg.Logging.Dir)
	cfg.Diagnostics.Dir = expandEnvVars(cfg.Diagnostics.Dir)
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}
