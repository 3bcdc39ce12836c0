package config

import (
	"errors"
	"fmt"
)

var validLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

var validFormats = map[string]struct{}{
	"console": {}, "json": {},
}

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	if cfg.Connection.Host == "" {
		errs = append(errs, errors.New("connection.host must not be empty"))
	}
	errs = append(errs, validatePort("connection.port", cfg.Connection.Port)...)
	errs = append(errs, validatePort("bridge.port", cfg.Bridge.Port)...)
	if cfg.Connection.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connection.connect_timeout must be positive"))
	}
	if cfg.Connection.CommandTimeout <= 0 {
		errs = append(errs, errors.New("connection.command_timeout must be positive"))
	}
	if cfg.Bridge.QueueSize <= 0 {
		errs = append(errs, errors.New("bridge.queue_size must be positive"))
	}
	if cfg.Bridge.TickInterval <= 0 {
		errs = append(errs, errors.New("bridge.tick_interval must be positive"))
	}
	if cfg.Bridge.GraceTimeout < 0 {
		errs = append(errs, errors.New("bridge.grace_timeout must not be negative"))
	}
	if cfg.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if cfg.Health.CheckTimeout <= 0 {
		errs = append(errs, errors.New("health.check_timeout must be positive"))
	}
	if cfg.Health.HistoryLimit <= 0 {
		errs = append(errs, errors.New("health.history_limit must be positive"))
	}
	if _, ok := validLevels[cfg.Logging.Level]; !ok {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	if _, ok := validFormats[cfg.Logging.Format]; !ok {
		errs = append(errs, fmt.Errorf("logging.format %q is not one of console, json", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

func validatePort(field string, port int) []error {
	if port < 1 || port > 65535 {
		return []error{fmt.Errorf("%s %d is outside 1-65535", field, port)}
	}
	return nil
}
