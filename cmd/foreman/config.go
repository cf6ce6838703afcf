package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the operator-facing configuration, loaded from config.toml.
// Every knob has a default; a missing file yields the defaults.
type Config struct {
	// AgentCommand is the coding-agent CLI launched by bridges.
	AgentCommand string `toml:"agent_command"`
	// DefaultBranch is where the primary checkout is parked before task
	// branches are merged or removed.
	DefaultBranch string `toml:"default_branch"`
	// NotifyHook is a shell command run for each notification event;
	// empty disables notifications.
	NotifyHook string `toml:"notify_hook"`

	// CleanupDelaySeconds is how long finished sessions linger.
	CleanupDelaySeconds int `toml:"cleanup_delay_seconds"`
	// OrphanPollSeconds is the serve loop's reconciliation interval.
	OrphanPollSeconds int `toml:"orphan_poll_seconds"`
	// TailIntervalMillis is the structured-mode log poll interval.
	TailIntervalMillis int `toml:"tail_interval_millis"`
	// ScrollbackBytes is the per-session scrollback budget.
	ScrollbackBytes int `toml:"scrollback_bytes"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		AgentCommand:        "claude",
		DefaultBranch:       "main",
		CleanupDelaySeconds: 300,
		OrphanPollSeconds:   10,
		TailIntervalMillis:  250,
		ScrollbackBytes:     256 * 1024,
	}
}

// LoadConfig reads the TOML config at path, filling unset fields with
// defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.CleanupDelaySeconds <= 0 {
		cfg.CleanupDelaySeconds = 300
	}
	if cfg.OrphanPollSeconds <= 0 {
		cfg.OrphanPollSeconds = 10
	}
	if cfg.TailIntervalMillis <= 0 {
		cfg.TailIntervalMillis = 250
	}
	return cfg, nil
}

// CleanupDelay returns the cleanup delay as a duration.
func (c Config) CleanupDelay() time.Duration {
	return time.Duration(c.CleanupDelaySeconds) * time.Second
}

// OrphanPoll returns the reconciliation interval as a duration.
func (c Config) OrphanPoll() time.Duration {
	return time.Duration(c.OrphanPollSeconds) * time.Second
}

// TailInterval returns the log tail poll interval as a duration.
func (c Config) TailInterval() time.Duration {
	return time.Duration(c.TailIntervalMillis) * time.Millisecond
}
