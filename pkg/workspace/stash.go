package workspace

import (
	"context"
	"strings"

	"foreman/pkg/protocol"
)

// AutoStashMessage is the sentinel stash subject used when foreman
// switches branches on a dirty primary checkout. Only stashes carrying
// this sentinel are ever popped automatically.
const AutoStashMessage = "foreman:auto-stash"

// CheckoutOpts tunes CheckoutBranch behavior.
type CheckoutOpts struct {
	// DeferPop leaves an auto-stash in place after the checkout; the
	// caller still has a merge or cleanup step to run on the target
	// branch and must call PopAutoStash afterwards.
	DeferPop bool
}

// isDirty reports whether the working tree has uncommitted changes.
func (m *Manager) isDirty(ctx context.Context, repoPath string) bool {
	out, _, err := m.git.Run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

// hasAutoStashOnTop reports whether the newest stash entry is one of ours.
// Prevents stacking duplicate auto-stashes across rapid branch switches.
func (m *Manager) hasAutoStashOnTop(ctx context.Context, repoPath string) bool {
	out, _, err := m.git.Run(ctx, repoPath, "stash", "list", "--format=%s", "-n", "1")
	if err != nil {
		return false
	}
	return strings.Contains(out, AutoStashMessage)
}

// CheckoutBranch switches the primary checkout to branch, auto-stashing
// a dirty working tree first. Landing on a non-task branch pops the
// auto-stash unless opts.DeferPop is set. If the checkout itself fails,
// the stash is restored only when the working copy never left the
// original branch.
func (m *Manager) CheckoutBranch(ctx context.Context, repoPath, branch string, opts CheckoutOpts) error {
	before := m.CurrentBranch(ctx, repoPath)
	if before.Branch == branch && !before.Detached {
		return nil
	}

	stashed := false
	if m.isDirty(ctx, repoPath) && !m.hasAutoStashOnTop(ctx, repoPath) {
		if _, _, err := m.git.Run(ctx, repoPath, "stash", "push", "-u", "-m", AutoStashMessage); err != nil {
			m.logger.Warn("auto-stash failed, checking out anyway", "err", err)
		} else {
			stashed = true
		}
	}

	if _, _, err := m.git.Run(ctx, repoPath, "checkout", branch); err != nil {
		if stashed {
			after := m.CurrentBranch(ctx, repoPath)
			if after.Branch == before.Branch && after.Detached == before.Detached {
				m.PopAutoStash(ctx, repoPath)
			}
		}
		return err
	}

	if !protocol.IsTaskBranch(branch) && !opts.DeferPop {
		m.PopAutoStash(ctx, repoPath)
	}
	return nil
}

// PopAutoStash pops the top stash entry if it carries the auto-stash
// sentinel. Best-effort: a pop conflict is logged, never propagated.
func (m *Manager) PopAutoStash(ctx context.Context, repoPath string) {
	if !m.hasAutoStashOnTop(ctx, repoPath) {
		return
	}
	if _, _, err := m.git.Run(ctx, repoPath, "stash", "pop"); err != nil {
		m.logger.Warn("auto-stash pop failed", "err", err)
	}
}
