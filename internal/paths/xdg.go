package paths

import (
	"os"
	"path/filepath"
)

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, "meshbridge")
	}
	return filepath.Join(homeDir(), fallbackSuffix, "meshbridge")
}

// ConfigDir returns the meshbridge config directory ($XDG_CONFIG_HOME/meshbridge).
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns the meshbridge state directory ($XDG_STATE_HOME/meshbridge).
// Rotated logs and the diagnostics database live under it.
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// LogDir returns the directory for rotated log files.
func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// DiagDir returns the directory for the diagnostics database.
func DiagDir() string {
	return filepath.Join(StateDir(), "diag")
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
