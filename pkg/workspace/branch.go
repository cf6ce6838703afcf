package workspace

import (
	"context"
	"strings"

	"foreman/pkg/protocol"
)

// BranchInfo describes the primary checkout's current branch.
type BranchInfo struct {
	Branch   string
	Detached bool
}

// CurrentBranch reports the branch the primary checkout sits on.
// Detached HEAD reports {"HEAD", true}; failures default to {"main", false}.
func (m *Manager) CurrentBranch(ctx context.Context, repoPath string) BranchInfo {
	out, _, err := m.git.Run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return BranchInfo{Branch: "main"}
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return BranchInfo{Branch: "HEAD", Detached: true}
	}
	if branch == "" {
		return BranchInfo{Branch: "main"}
	}
	return BranchInfo{Branch: branch}
}

// ListBranches returns local branch names; failure defaults to ["main"].
func (m *Manager) ListBranches(ctx context.Context, repoPath string) []string {
	out, _, err := m.git.Run(ctx, repoPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return []string{"main"}
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	if len(branches) == 0 {
		return []string{"main"}
	}
	return branches
}

// EnsurePreviewBranch creates (or repoints) the disposable preview
// branch for a task branch so a human can check it out without sitting
// on the agent's mutable branch. Returns the preview branch name.
func (m *Manager) EnsurePreviewBranch(ctx context.Context, repoPath, branch string) (string, error) {
	preview := protocol.PreviewBranch(branch)
	if _, _, err := m.git.Run(ctx, repoPath, "branch", "-f", preview, branch); err != nil {
		return "", err
	}
	return preview, nil
}

// RefreshPreviewBranch fast-forwards <branch>-preview to the task branch
// tip. Returns true when the preview moved, false when the two already
// point at the same commit. Diverged history fails closed (false):
// preview branches are never force-rewritten here.
func (m *Manager) RefreshPreviewBranch(ctx context.Context, repoPath, branch string) bool {
	preview := protocol.PreviewBranch(branch)

	branchSHA, _, err := m.git.Run(ctx, repoPath, "rev-parse", branch)
	if err != nil {
		return false
	}
	previewSHA, _, err := m.git.Run(ctx, repoPath, "rev-parse", preview)
	if err != nil {
		return false
	}
	if strings.TrimSpace(branchSHA) == strings.TrimSpace(previewSHA) {
		return false
	}

	// Only a fast-forward is allowed: preview must be an ancestor of the
	// task branch tip.
	if _, _, err := m.git.Run(ctx, repoPath, "merge-base", "--is-ancestor", preview, branch); err != nil {
		return false
	}

	// A checked-out preview branch cannot be moved with branch -f; merge
	// ff-only into it instead.
	if cur := m.CurrentBranch(ctx, repoPath); cur.Branch == preview {
		_, _, err = m.git.Run(ctx, repoPath, "merge", "--ff-only", branch)
		return err == nil
	}

	_, _, err = m.git.Run(ctx, repoPath, "branch", "-f", preview, branch)
	return err == nil
}
