package main

import (
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"
)

// Paths holds all resolved foreman state locations.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.foreman or FOREMAN_HOME
	SessionsDir string // sessions/ or FOREMAN_SESSIONS_DIR
	StoreDir    string // store/ or FOREMAN_STORE_DIR
	EventDBPath string // events.db or FOREMAN_DB_PATH
	ConfigPath  string // config.toml or FOREMAN_CONFIG
}

// ResolvePaths returns all foreman paths, respecting env overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all state (default: ~/.foreman)
//   - FOREMAN_SESSIONS_DIR: bridge sockets and logs (default: $FOREMAN_HOME/sessions)
//   - FOREMAN_STORE_DIR: task/project JSON store (default: $FOREMAN_HOME/store)
//   - FOREMAN_DB_PATH: event log database (default: $FOREMAN_HOME/events.db)
//   - FOREMAN_CONFIG: config file (default: $FOREMAN_HOME/config.toml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:        home,
		SessionsDir: resolvePathWithEnv("FOREMAN_SESSIONS_DIR", home, protocol.SessionsDir),
		StoreDir:    resolvePathWithEnv("FOREMAN_STORE_DIR", home, "store"),
		EventDBPath: resolvePathWithEnv("FOREMAN_DB_PATH", home, "events.db"),
		ConfigPath:  resolvePathWithEnv("FOREMAN_CONFIG", home, "config.toml"),
	}, nil
}

// resolveHome returns the foreman home directory from FOREMAN_HOME or ~/.foreman.
func resolveHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
