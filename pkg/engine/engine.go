// Package engine is the task dispatch engine: on every task status
// transition or explicit request it decides whether to start an agent
// session, abort one, merge or discard workspace state, and when to
// tear sessions down. All in-memory state (cleanup timers, the
// dispatched set) is transient and reconstructable from the store after
// a restart; the store alone is authoritative.
package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
	"foreman/pkg/tmux"
	"foreman/pkg/workspace"
)

// Workspace is the slice of the git isolation manager the engine drives.
type Workspace interface {
	CreateWorktree(ctx context.Context, repoPath, shortID string) (path, branch string, err error)
	RemoveWorktree(ctx context.Context, repoPath, shortID string)
	MergeWorktree(ctx context.Context, repoPath, shortID string) workspace.MergeResult
	CurrentBranch(ctx context.Context, repoPath string) workspace.BranchInfo
	CheckoutBranch(ctx context.Context, repoPath, branch string, opts workspace.CheckoutOpts) error
	PopAutoStash(ctx context.Context, repoPath string)
	EnsurePreviewBranch(ctx context.Context, repoPath, branch string) (string, error)
	RefreshPreviewBranch(ctx context.Context, repoPath, branch string) bool
}

// Sessions abstracts terminal-multiplexer session control.
type Sessions interface {
	Exists(name string) bool
	Spawn(name, dir, command string) error
	Kill(name string) error
}

// TmuxSessions is the production Sessions implementation.
type TmuxSessions struct{}

// Exists reports whether the named tmux session is alive.
func (TmuxSessions) Exists(name string) bool { return tmux.NewSession(name).Exists() }

// Spawn creates a detached tmux session running command in dir.
func (TmuxSessions) Spawn(name, dir, command string) error {
	return tmux.NewSession(name).SpawnDetached(dir, command)
}

// Kill destroys the named tmux session.
func (TmuxSessions) Kill(name string) error { return tmux.NewSession(name).Kill() }

// Events is the append side of the event log. A nil Events disables
// auditing without affecting dispatch.
type Events interface {
	Append(ctx context.Context, evType, projectID, taskID, payload string) error
}

// Config carries the operator-tunable knobs.
type Config struct {
	// CleanupDelay is how long a finished task's session lingers before
	// teardown, giving the human a window to reopen it.
	CleanupDelay time.Duration
	// OrphanGrace protects freshly spawned sessions from the orphan
	// pass while tmux is still bringing them up.
	OrphanGrace time.Duration
	// SessionsDir holds per-session sockets, logs and prompt files.
	SessionsDir string
	// BridgeExe is the binary spawned inside each tmux session,
	// normally the running executable itself.
	BridgeExe string
	// AgentCommand is the coding-agent CLI the bridge launches.
	AgentCommand string
	// DefaultBranch is where the primary checkout is parked before any
	// operation that removes a task branch.
	DefaultBranch string
}

func (c *Config) applyDefaults() {
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = 5 * time.Minute
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = 10 * time.Second
	}
	if c.BridgeExe == "" {
		c.BridgeExe = "foreman"
	}
	if c.AgentCommand == "" {
		c.AgentCommand = "claude"
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
}

// Engine orchestrates dispatch for all projects in one process.
type Engine struct {
	store    store.Store
	ws       Workspace
	sessions Sessions
	notifier notify.Notifier
	events   Events
	logger   *log.Logger
	cfg      Config

	mu         sync.Mutex
	timers     map[string]*time.Timer // task ID → armed cleanup timer
	dispatched map[string]time.Time   // task ID → spawn time
}

// New creates an Engine. notifier and events may be nil.
func New(st store.Store, ws Workspace, sessions Sessions, notifier notify.Notifier, events Events, logger *log.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Engine{
		store:      st,
		ws:         ws,
		sessions:   sessions,
		notifier:   notifier,
		events:     events,
		logger:     logger,
		cfg:        cfg,
		timers:     make(map[string]*time.Timer),
		dispatched: make(map[string]time.Time),
	}
}

// IsSessionAlive probes the multiplexer for the task's bridge session.
func (e *Engine) IsSessionAlive(taskID string) bool {
	return e.sessions.Exists(protocol.TaskSessionName(taskID))
}

// IsTaskDispatched reports whether an agent is (or was just) attached.
// The dispatched-set check covers the window between spawn and the
// session becoming probeable.
func (e *Engine) IsTaskDispatched(taskID string) bool {
	if e.IsSessionAlive(taskID) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.dispatched[taskID]
	return ok && time.Since(at) < e.cfg.OrphanGrace
}

func (e *Engine) markDispatched(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched[taskID] = time.Now()
}

func (e *Engine) unmarkDispatched(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dispatched, taskID)
}

// Notify fires the notification hook. Failures are logged and never
// affect task state.
func (e *Engine) Notify(ctx context.Context, ev notify.Event, taskID, summary string) {
	if err := e.notifier.Notify(ctx, ev, taskID, summary); err != nil {
		e.logger.Warn("notification failed", "event", ev, "task", taskID, "err", err)
	}
}

// appendEvent writes to the audit log, best-effort.
func (e *Engine) appendEvent(ctx context.Context, evType, projectID, taskID, payload string) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, evType, projectID, taskID, payload); err != nil {
		e.logger.Warn("event log append failed", "type", evType, "err", err)
	}
}

// ScheduleCleanup arms delayed teardown of the task's bridge session and
// its filesystem artifacts. Firing never mutates task status; re-arming
// replaces any existing timer.
func (e *Engine) ScheduleCleanup(projectID, taskID string) {
	e.mu.Lock()
	if old, ok := e.timers[taskID]; ok {
		old.Stop()
	}
	e.timers[taskID] = time.AfterFunc(e.cfg.CleanupDelay, func() {
		e.cleanupFired(projectID, taskID)
	})
	e.mu.Unlock()
}

// CancelCleanup disarms a pending teardown. Safe to call when none is armed.
func (e *Engine) CancelCleanup(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[taskID]; ok {
		t.Stop()
		delete(e.timers, taskID)
	}
}

func (e *Engine) cleanupFired(projectID, taskID string) {
	e.mu.Lock()
	delete(e.timers, taskID)
	e.mu.Unlock()

	session := protocol.TaskSessionName(taskID)
	e.logger.Info("cleanup timer fired", "task", taskID, "session", session)
	if err := e.sessions.Kill(session); err != nil {
		e.logger.Debug("session already gone", "session", session, "err", err)
	}
	e.removeSessionArtifacts(session)
	e.unmarkDispatched(taskID)
	e.appendEvent(context.Background(), "cleanup_fired", projectID, taskID, "")
}

// removeSessionArtifacts deletes the socket, logs and scrollback left
// behind by a bridge session. Best-effort.
func (e *Engine) removeSessionArtifacts(session string) {
	if e.cfg.SessionsDir == "" {
		return
	}
	for _, p := range []string{
		protocol.SocketPath(e.cfg.SessionsDir, session),
		protocol.OutputLogPath(e.cfg.SessionsDir, session),
		protocol.ScrollbackPath(e.cfg.SessionsDir, session),
		protocol.PendingReplyPath(e.cfg.SessionsDir, session),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("remove session artifact failed", "path", p, "err", err)
		}
	}
}
