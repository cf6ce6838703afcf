package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/task"
)

// OutputMode selects how the bridge runs the agent child.
type OutputMode string

// Bridge output modes.
const (
	OutputStructured  OutputMode = "structured"
	OutputInteractive OutputMode = "interactive"
)

// DispatchRequest describes one agent launch.
type DispatchRequest struct {
	ProjectID   string
	TaskID      string
	Title       string
	Description string
	Mode        task.Mode
	Attachments []string
	OutputMode  OutputMode
}

// ShouldDispatch reports whether a sequential project has a free slot.
func (e *Engine) ShouldDispatch(projectID string) bool {
	tasks, err := e.store.ListTasks(projectID)
	if err != nil {
		e.logger.Warn("list tasks failed", "project", projectID, "err", err)
		return false
	}
	for _, t := range tasks {
		if t.Dispatch.Active() {
			return false
		}
	}
	return true
}

// InitialDispatch decides the starting dispatch value when a task enters
// in-progress. Both modes queue; the queue pass that callers run right
// after the transition dispatches immediately under parallel mode, or
// when the sequential slot is free.
func (e *Engine) InitialDispatch() task.Dispatch {
	return task.DispatchQueued
}

// ProcessQueue is the idempotent reconciliation pass. Sequential
// projects dispatch at most one task at a time; parallel projects
// dispatch every queued task. Safe to call redundantly after any
// mutation; dispatch failures leave the task queued for a later pass.
func (e *Engine) ProcessQueue(ctx context.Context, projectID string) {
	proj, err := e.store.GetProject(projectID)
	if err != nil {
		e.logger.Warn("process queue: project load failed", "project", projectID, "err", err)
		return
	}
	tasks, err := e.store.ListTasks(projectID)
	if err != nil {
		e.logger.Warn("process queue: task list failed", "project", projectID, "err", err)
		return
	}

	if proj.ExecutionMode == task.ExecSequential {
		for _, t := range tasks {
			if t.Dispatch.Active() {
				return
			}
		}
	}

	// ListTasks orders by column position, so the first candidate is
	// the next task in line.
	for _, t := range tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		if t.Dispatch != task.DispatchNone && t.Dispatch != task.DispatchQueued {
			continue
		}
		e.dispatchQueued(ctx, proj, t)
		if proj.ExecutionMode == task.ExecSequential {
			return
		}
	}
}

// dispatchQueued claims the task, attempts a dispatch, and settles the
// dispatch state to running or back to queued.
func (e *Engine) dispatchQueued(ctx context.Context, proj *task.Project, t *task.Task) {
	if _, err := e.store.UpdateTask(proj.ID, t.ID, func(u *task.Task) error {
		u.Dispatch = task.DispatchStarting
		return nil
	}); err != nil {
		e.logger.Warn("claim for dispatch failed", "task", t.ID, "err", err)
		return
	}

	handle, err := e.DispatchTask(ctx, DispatchRequest{
		ProjectID:   proj.ID,
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Mode:        t.Mode,
	})
	if err != nil {
		e.logger.Warn("dispatch failed, requeueing", "task", t.ID, "err", err)
		e.Notify(ctx, notify.EventDispatchFail, t.ID, err.Error())
		if _, rerr := e.store.UpdateTask(proj.ID, t.ID, func(u *task.Task) error {
			u.Dispatch = task.DispatchQueued
			return nil
		}); rerr != nil {
			e.logger.Error("dispatch rollback failed", "task", t.ID, "err", rerr)
		}
		return
	}

	if _, err := e.store.UpdateTask(proj.ID, t.ID, func(u *task.Task) error {
		u.Dispatch = task.DispatchRunning
		return nil
	}); err != nil {
		e.logger.Error("mark running failed", "task", t.ID, "err", err)
	}
	e.logger.Info("task dispatched", "task", t.ID, "session", handle)
}

// DispatchTask creates the task's workspace if needed, assembles the
// agent invocation, and spawns a bridge inside a detached tmux session
// named after the task. Returns the session name as the handle. Refuses
// if a session with that name is still alive.
func (e *Engine) DispatchTask(ctx context.Context, req DispatchRequest) (string, error) {
	proj, err := e.store.GetProject(req.ProjectID)
	if err != nil {
		return "", err
	}
	t, err := e.store.GetTask(req.ProjectID, req.TaskID)
	if err != nil {
		return "", err
	}

	session := protocol.TaskSessionName(req.TaskID)
	if e.sessions.Exists(session) {
		return "", fmt.Errorf("session %s is still alive", session)
	}

	// A task resuming from verify keeps its branch and worktree; only
	// first dispatch creates the workspace.
	dir, branch := t.WorktreePath, t.Branch
	if !t.HasWorkspace() {
		dir, branch, err = e.ws.CreateWorktree(ctx, proj.Path, protocol.ShortID(req.TaskID))
		if err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
		if _, uerr := e.store.UpdateTask(req.ProjectID, req.TaskID, func(u *task.Task) error {
			u.WorktreePath = dir
			u.Branch = branch
			return nil
		}); uerr != nil {
			return "", fmt.Errorf("record workspace: %w", uerr)
		}
	}

	promptPath, err := e.writePrompt(session, req)
	if err != nil {
		return "", err
	}

	command := e.bridgeCommand(session, dir, promptPath, req)
	if err := e.sessions.Spawn(session, dir, command); err != nil {
		return "", fmt.Errorf("spawn bridge: %w", err)
	}

	e.markDispatched(req.TaskID)
	e.appendEvent(ctx, "task_dispatched", req.ProjectID, req.TaskID,
		fmt.Sprintf(`{"session":%q,"branch":%q}`, session, branch))
	return session, nil
}

// writePrompt assembles the agent prompt and persists it next to the
// session's other artifacts, so the bridge command line stays short.
func (e *Engine) writePrompt(session string, req DispatchRequest) (string, error) {
	var b strings.Builder
	b.WriteString(req.Title)
	if req.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(req.Description)
	}
	for _, a := range req.Attachments {
		b.WriteString("\n\n")
		b.WriteString(a)
	}

	if err := os.MkdirAll(e.cfg.SessionsDir, 0o755); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	path := filepath.Join(e.cfg.SessionsDir, session+".prompt")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	return path, nil
}

// bridgeCommand builds the command the tmux session runs.
func (e *Engine) bridgeCommand(session, dir, promptPath string, req DispatchRequest) string {
	mode := req.OutputMode
	if mode == "" {
		mode = OutputStructured
	}
	parts := []string{
		e.cfg.BridgeExe, "bridge",
		"--name", session,
		"--dir", fmt.Sprintf("%q", dir),
		"--sessions-dir", fmt.Sprintf("%q", e.cfg.SessionsDir),
		"--agent", fmt.Sprintf("%q", e.cfg.AgentCommand),
		"--output-mode", string(mode),
		"--prompt-file", fmt.Sprintf("%q", promptPath),
	}
	if req.Mode == task.ModePlan {
		parts = append(parts, "--plan")
	}
	return strings.Join(parts, " ")
}

// AbortTask best-effort kills the task's bridge session and disarms its
// cleanup timer. Workspace teardown is the caller's call: an abort may
// be followed by discard (back to todo) or preservation (redispatch).
func (e *Engine) AbortTask(projectID, taskID string) {
	e.CancelCleanup(taskID)
	session := protocol.TaskSessionName(taskID)
	if err := e.sessions.Kill(session); err != nil {
		e.logger.Debug("abort: session kill failed", "session", session, "err", err)
	}
	e.unmarkDispatched(taskID)
	e.appendEvent(context.Background(), "task_aborted", projectID, taskID, "")
}

// DeleteTask aborts the task, discards its workspace, removes the record
// and advances the queue.
func (e *Engine) DeleteTask(ctx context.Context, projectID, taskID string) error {
	proj, err := e.store.GetProject(projectID)
	if err != nil {
		return err
	}
	t, err := e.store.GetTask(projectID, taskID)
	if err != nil {
		return err
	}

	e.AbortTask(projectID, taskID)
	if t.HasWorkspace() {
		e.discardWorkspace(ctx, proj, t)
	}
	e.removeSessionArtifacts(protocol.TaskSessionName(taskID))
	if err := e.store.DeleteTask(projectID, taskID); err != nil {
		return err
	}
	e.appendEvent(ctx, "task_deleted", projectID, taskID, "")
	e.ProcessQueue(ctx, projectID)
	return nil
}
