package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"foreman/pkg/engine"
	"foreman/pkg/eventlog"
	"foreman/pkg/notify"
	"foreman/pkg/store"
	"foreman/pkg/workspace"
)

// runtime bundles the wired-up subsystems the state-changing commands
// share.
type runtime struct {
	paths  *Paths
	cfg    Config
	logger *log.Logger
	store  store.Store
	events *eventlog.Log
	eng    *engine.Engine
}

// newRuntime resolves paths, loads config, and wires the store, event
// log, workspace manager and engine together.
func newRuntime() (*runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "foreman"})

	st, err := store.NewFileStore(paths.StoreDir, logger.WithPrefix("store"))
	if err != nil {
		return nil, err
	}
	events, err := eventlog.Open(paths.EventDBPath)
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyHook != "" {
		notifier = notify.NewHook(cfg.NotifyHook, logger.WithPrefix("notify"))
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "foreman"
	}

	ws := workspace.NewManager(&workspace.ExecGitRunner{}, logger.WithPrefix("git"))
	eng := engine.New(st, ws, engine.TmuxSessions{}, notifier, events,
		logger.WithPrefix("engine"), engine.Config{
			CleanupDelay:  cfg.CleanupDelay(),
			SessionsDir:   paths.SessionsDir,
			BridgeExe:     exe,
			AgentCommand:  cfg.AgentCommand,
			DefaultBranch: cfg.DefaultBranch,
		})

	return &runtime{
		paths:  paths,
		cfg:    cfg,
		logger: logger,
		store:  st,
		events: events,
		eng:    eng,
	}, nil
}

// close releases the runtime's resources.
func (r *runtime) close() {
	if err := r.events.Close(); err != nil {
		r.logger.Warn("close event log", "err", err)
	}
}
