package engine

import (
	"context"
	"time"

	"foreman/pkg/notify"
	"foreman/pkg/task"
)

// ReconcileOrphans is the self-healing pass run on every task-list read:
// a task claiming an active agent whose session is dead is forced to
// verify with no dispatch, cleanup is armed, and the queue advances. It
// returns the (possibly healed) task list so list handlers serve the
// reconciled view.
func (e *Engine) ReconcileOrphans(ctx context.Context, projectID string) ([]*task.Task, error) {
	tasks, err := e.store.ListTasks(projectID)
	if err != nil {
		return nil, err
	}

	healed := false
	for _, t := range tasks {
		if !e.isOrphan(t) {
			continue
		}
		e.logger.Warn("orphaned session detected, forcing verify",
			"task", t.ID, "dispatch", t.Dispatch)
		if _, err := e.store.UpdateTask(projectID, t.ID, func(u *task.Task) error {
			u.Status = task.StatusVerify
			u.Dispatch = task.DispatchNone
			return nil
		}); err != nil {
			e.logger.Error("orphan heal failed", "task", t.ID, "err", err)
			continue
		}
		e.unmarkDispatched(t.ID)
		e.ScheduleCleanup(projectID, t.ID)
		e.appendEvent(ctx, "orphan_recovered", projectID, t.ID, "")
		e.Notify(ctx, notify.EventOrphan, t.ID, t.Title+" lost its agent session")
		healed = true
	}

	if healed {
		e.ProcessQueue(ctx, projectID)
	}
	return e.store.ListTasks(projectID)
}

// isOrphan reports whether the task claims a live session that is not
// actually alive. Freshly spawned sessions get a grace window while
// tmux brings them up.
func (e *Engine) isOrphan(t *task.Task) bool {
	if t.Status != task.StatusInProgress || !t.Dispatch.Active() {
		return false
	}
	if e.IsSessionAlive(t.ID) {
		return false
	}
	e.mu.Lock()
	at, ok := e.dispatched[t.ID]
	e.mu.Unlock()
	return !ok || time.Since(at) >= e.cfg.OrphanGrace
}
