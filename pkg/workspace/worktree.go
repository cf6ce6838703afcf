// Package workspace gives each task an isolated git branch and working
// directory, and reconciles that work back into the main line. All git
// access goes through the narrow GitRunner interface so orchestration
// logic never touches os/exec directly.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"foreman/pkg/protocol"
)

// Manager performs worktree, branch, merge, and stash operations against
// a project repository. It holds no per-task state; naming is derived
// from the task's short identifier.
type Manager struct {
	git    GitRunner
	logger *log.Logger
}

// NewManager creates a Manager backed by the given GitRunner.
func NewManager(git GitRunner, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Manager{git: git, logger: logger}
}

// WorktreePath returns the worktree directory for a task short ID.
func WorktreePath(repoPath, shortID string) string {
	return filepath.Join(repoPath, protocol.WorktreesDir, shortID)
}

// CreateWorktree creates branch task/<shortID> off the current HEAD and
// a worktree directory for it. Stale leftovers from a crashed run with
// the same name are force-removed first. Git being unusable propagates.
func (m *Manager) CreateWorktree(ctx context.Context, repoPath, shortID string) (path, branch string, err error) {
	if err := protocol.ValidateID(shortID); err != nil {
		return "", "", fmt.Errorf("invalid task id: %w", err)
	}

	path = WorktreePath(repoPath, shortID)
	branch = protocol.BranchPrefix + shortID

	// Clear any stale worktree/branch with the same name. Best-effort:
	// the add below is the operation that must succeed.
	_, _, _ = m.git.Run(ctx, repoPath, "worktree", "remove", path, "--force")
	_ = os.RemoveAll(path)
	_, _, _ = m.git.Run(ctx, repoPath, "worktree", "prune")
	_, _, _ = m.git.Run(ctx, repoPath, "branch", "-D", branch)

	if _, _, err := m.git.Run(ctx, repoPath, "worktree", "add", path, "-b", branch); err != nil {
		return "", "", fmt.Errorf("worktree add %s: %w", shortID, err)
	}
	return path, branch, nil
}

// RemoveWorktree tears down a task's worktree and branch. Best-effort:
// a failed clean removal falls back to raw directory deletion plus
// `git worktree prune`. Never returns an error.
func (m *Manager) RemoveWorktree(ctx context.Context, repoPath, shortID string) {
	if err := protocol.ValidateID(shortID); err != nil {
		m.logger.Warn("remove worktree: invalid id", "id", shortID, "err", err)
		return
	}

	path := WorktreePath(repoPath, shortID)
	branch := protocol.BranchPrefix + shortID

	if _, _, err := m.git.Run(ctx, repoPath, "worktree", "remove", path, "--force"); err != nil {
		m.logger.Debug("worktree remove failed, falling back to rm", "path", path, "err", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			m.logger.Warn("raw worktree delete failed", "path", path, "err", rmErr)
		}
		_, _, _ = m.git.Run(ctx, repoPath, "worktree", "prune")
	}

	if _, _, err := m.git.Run(ctx, repoPath, "branch", "-D", branch); err != nil {
		m.logger.Debug("branch delete failed", "branch", branch, "err", err)
	}

	// Drop the preview branch too if one was layered on top.
	_, _, _ = m.git.Run(ctx, repoPath, "branch", "-D", protocol.PreviewBranch(branch))
}
