// Package notify delivers human-facing event notifications. The engine
// fires notifications for events needing attention (merge conflicts,
// orphan recovery, task completion); delivery is best-effort and must
// never block or fail a state transition.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Event classifies a notification.
type Event string

// Event kinds the dispatch engine emits.
const (
	EventTaskVerify    Event = "TASK_VERIFY"
	EventTaskDone      Event = "TASK_DONE"
	EventMergeConflict Event = "MERGE_CONFLICT"
	EventOrphan        Event = "ORPHAN_RECOVERED"
	EventDispatchFail  Event = "DISPATCH_FAILED"
)

// Notifier delivers one notification. Implementations must tolerate
// concurrent calls.
type Notifier interface {
	Notify(ctx context.Context, ev Event, taskID, summary string) error
}

// Nop discards all notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event, string, string) error { return nil }

// hookTimeout bounds hook execution; a wedged hook must not pile up
// goroutines inside the engine.
const hookTimeout = 10 * time.Second

// Hook runs a user-configured command for each event. The event kind,
// task ID and summary are passed through the environment so the command
// string needs no escaping.
type Hook struct {
	Command string
	Logger  *log.Logger
}

// NewHook creates a Hook notifier for the given shell command.
func NewHook(command string, logger *log.Logger) *Hook {
	return &Hook{Command: command, Logger: logger}
}

// Notify runs the hook command with FOREMAN_EVENT, FOREMAN_TASK and
// FOREMAN_SUMMARY set. Hook failures are logged and returned but carry
// no consequence for callers.
func (h *Hook) Notify(ctx context.Context, ev Event, taskID, summary string) error {
	if h.Command == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Env = append(cmd.Environ(),
		"FOREMAN_EVENT="+string(ev),
		"FOREMAN_TASK="+taskID,
		"FOREMAN_SUMMARY="+sanitize(summary),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		h.Logger.Warn("notify hook failed", "event", ev, "task", taskID, "err", err,
			"output", strings.TrimSpace(string(out)))
		return fmt.Errorf("notify hook: %w", err)
	}
	return nil
}

// sanitize flattens a message to a single line for terminal display.
func sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	return strings.ReplaceAll(msg, "\r", " ")
}
