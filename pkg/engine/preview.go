package engine

import (
	"context"
	"fmt"

	"foreman/pkg/protocol"
	"foreman/pkg/workspace"
)

// PreviewTask checks the project's primary checkout onto the task's
// disposable preview branch so a human can inspect in-flight work
// without sitting on the agent's mutable branch. If the checkout is
// already on the preview branch, the branch is fast-forwarded to the
// task branch tip instead. Returns the preview branch name and whether
// the preview moved.
func (e *Engine) PreviewTask(ctx context.Context, projectID, taskID string) (string, bool, error) {
	proj, err := e.store.GetProject(projectID)
	if err != nil {
		return "", false, err
	}
	t, err := e.store.GetTask(projectID, taskID)
	if err != nil {
		return "", false, err
	}
	if !t.HasWorkspace() {
		return "", false, fmt.Errorf("task %s has no workspace to preview", t.ShortID())
	}

	preview := protocol.PreviewBranch(t.Branch)
	if e.ws.CurrentBranch(ctx, proj.Path).Branch == preview {
		moved := e.ws.RefreshPreviewBranch(ctx, proj.Path, t.Branch)
		if moved {
			e.appendEvent(ctx, "preview_refreshed", projectID, taskID, preview)
		}
		return preview, moved, nil
	}

	if _, err := e.ws.EnsurePreviewBranch(ctx, proj.Path, t.Branch); err != nil {
		return "", false, fmt.Errorf("create preview branch: %w", err)
	}
	if err := e.ws.CheckoutBranch(ctx, proj.Path, preview, workspace.CheckoutOpts{}); err != nil {
		return "", false, fmt.Errorf("checkout preview branch: %w", err)
	}
	e.appendEvent(ctx, "preview_checkout", projectID, taskID, preview)
	return preview, true, nil
}
