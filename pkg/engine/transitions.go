package engine

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/task"
	"foreman/pkg/workspace"
)

// ApplyStatusChange drives the status transition table. It performs the
// side effects the transition demands (cleanup timers, session abort,
// workspace merge or discard), persists the new status, and runs a queue
// pass so freed slots advance immediately.
func (e *Engine) ApplyStatusChange(ctx context.Context, projectID, taskID string, newStatus task.Status) (*task.Task, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("invalid status %q", newStatus)
	}
	proj, err := e.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	cur, err := e.store.GetTask(projectID, taskID)
	if err != nil {
		return nil, err
	}
	if cur.Status == newStatus {
		return cur, nil
	}

	switch newStatus {
	case task.StatusInProgress:
		return e.toInProgress(ctx, proj, cur)
	case task.StatusTodo:
		return e.toTodo(ctx, proj, cur)
	case task.StatusVerify:
		return e.toVerify(ctx, proj, cur)
	case task.StatusDone:
		return e.toDone(ctx, proj, cur)
	}
	return nil, fmt.Errorf("unhandled status %q", newStatus)
}

// toInProgress handles todo→in-progress and verify→in-progress. A task
// resuming from verify keeps a still-alive session attached; its branch
// and worktree are reused either way.
func (e *Engine) toInProgress(ctx context.Context, proj *task.Project, cur *task.Task) (*task.Task, error) {
	e.CancelCleanup(cur.ID)

	dispatch := e.InitialDispatch()
	if cur.Status == task.StatusVerify && e.IsSessionAlive(cur.ID) {
		dispatch = task.DispatchRunning
	}

	if _, err := e.store.UpdateTask(proj.ID, cur.ID, func(u *task.Task) error {
		u.Status = task.StatusInProgress
		u.Dispatch = dispatch
		u.MergeConflict = nil
		return nil
	}); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, "task_started", proj.ID, cur.ID, "")
	e.ProcessQueue(ctx, proj.ID)
	return e.store.GetTask(proj.ID, cur.ID)
}

// toTodo handles in-progress→todo: abort the session, discard the
// workspace without merging, and wipe everything the agent produced.
func (e *Engine) toTodo(ctx context.Context, proj *task.Project, cur *task.Task) (*task.Task, error) {
	e.AbortTask(proj.ID, cur.ID)
	if cur.HasWorkspace() {
		e.discardWorkspace(ctx, proj, cur)
	}
	e.removeSessionArtifacts(protocol.TaskSessionName(cur.ID))

	updated, err := e.store.UpdateTask(proj.ID, cur.ID, func(u *task.Task) error {
		u.Status = task.StatusTodo
		u.Dispatch = task.DispatchNone
		u.ResetEphemeral()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, "task_reset", proj.ID, cur.ID, "")
	e.ProcessQueue(ctx, proj.ID)
	return updated, nil
}

// toVerify handles in-progress→verify: no merge, the workspace stays
// alive for preview.
func (e *Engine) toVerify(ctx context.Context, proj *task.Project, cur *task.Task) (*task.Task, error) {
	updated, err := e.store.UpdateTask(proj.ID, cur.ID, func(u *task.Task) error {
		u.Status = task.StatusVerify
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, "task_verify", proj.ID, cur.ID, "")
	e.Notify(ctx, notify.EventTaskVerify, cur.ID, cur.Title+" is ready for review")
	e.ProcessQueue(ctx, proj.ID)
	return updated, nil
}

// toDone handles in-progress→done and verify→done. A live workspace is
// merged; a conflict forces the task back to verify with the conflict
// recorded and no cleanup armed, leaving the worktree in place for
// resolution or retry.
func (e *Engine) toDone(ctx context.Context, proj *task.Project, cur *task.Task) (*task.Task, error) {
	if cur.HasWorkspace() {
		deferred := e.ensurePrimaryOffBranch(ctx, proj.Path, cur.Branch)
		res := e.ws.MergeWorktree(ctx, proj.Path, cur.ShortID())
		if deferred {
			e.ws.PopAutoStash(ctx, proj.Path)
		}
		if !res.Success {
			updated, err := e.store.UpdateTask(proj.ID, cur.ID, func(u *task.Task) error {
				u.Status = task.StatusVerify
				u.Dispatch = task.DispatchNone
				u.MergeConflict = &task.MergeConflict{
					Message: res.Error,
					Files:   res.ConflictFiles,
					Branch:  res.Branch,
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.appendEvent(ctx, "merge_conflict", proj.ID, cur.ID,
				fmt.Sprintf(`{"files":%q}`, strings.Join(res.ConflictFiles, ",")))
			e.Notify(ctx, notify.EventMergeConflict, cur.ID,
				fmt.Sprintf("merge of %s conflicts in %d file(s)", res.Branch, len(res.ConflictFiles)))
			e.ProcessQueue(ctx, proj.ID)
			return updated, nil
		}
	}

	updated, err := e.store.UpdateTask(proj.ID, cur.ID, func(u *task.Task) error {
		u.Status = task.StatusDone
		u.Dispatch = task.DispatchNone
		u.WorktreePath = ""
		u.Branch = ""
		u.MergeConflict = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.ScheduleCleanup(proj.ID, cur.ID)
	e.appendEvent(ctx, "task_done", proj.ID, cur.ID, "")
	e.Notify(ctx, notify.EventTaskDone, cur.ID, cur.Title+" merged")
	e.ProcessQueue(ctx, proj.ID)
	return updated, nil
}

// ensurePrimaryOffBranch moves the primary checkout to the default
// branch when it is sitting on the task's branch or its preview branch.
// Returns true when an auto-stash pop was deferred to the caller.
func (e *Engine) ensurePrimaryOffBranch(ctx context.Context, repoPath, branch string) bool {
	cur := e.ws.CurrentBranch(ctx, repoPath)
	if cur.Branch != branch && cur.Branch != protocol.PreviewBranch(branch) {
		return false
	}
	if err := e.ws.CheckoutBranch(ctx, repoPath, e.cfg.DefaultBranch, workspace.CheckoutOpts{DeferPop: true}); err != nil {
		e.logger.Warn("switch off task branch failed", "branch", cur.Branch, "err", err)
		return false
	}
	return true
}

// discardWorkspace removes a task's worktree and branch without merging,
// first parking the primary checkout if it sits on the doomed branch.
func (e *Engine) discardWorkspace(ctx context.Context, proj *task.Project, t *task.Task) {
	deferred := e.ensurePrimaryOffBranch(ctx, proj.Path, t.Branch)
	e.ws.RemoveWorktree(ctx, proj.Path, t.ShortID())
	if deferred {
		e.ws.PopAutoStash(ctx, proj.Path)
	}
}
