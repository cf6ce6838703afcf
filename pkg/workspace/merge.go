package workspace

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/protocol"
)

// MergeResult is the outcome of MergeWorktree. A conflict is a
// first-class result, not an error: the caller surfaces it on the task.
type MergeResult struct {
	Success       bool
	Error         string
	ConflictFiles []string
	Branch        string
}

// MergeWorktree merges the task branch into the currently checked-out
// branch with --no-ff. On success the worktree and branch are torn down
// as part of the same operation. On conflict the list of unmerged paths
// is captured before the merge is aborted; the target working tree is
// left unchanged.
func (m *Manager) MergeWorktree(ctx context.Context, repoPath, shortID string) MergeResult {
	branch := protocol.BranchPrefix + shortID

	if err := protocol.ValidateID(shortID); err != nil {
		return MergeResult{Error: fmt.Sprintf("invalid task id: %v", err), Branch: branch}
	}

	_, stderr, err := m.git.Run(ctx, repoPath, "merge", "--no-ff", branch, "-m",
		fmt.Sprintf("Merge %s", branch))
	if err != nil {
		// Capture unmerged paths before aborting; git reports them in
		// its own ordering, which we preserve.
		files := m.unmergedFiles(ctx, repoPath)
		_, _, _ = m.git.Run(ctx, repoPath, "merge", "--abort")

		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return MergeResult{
			Error:         msg,
			ConflictFiles: files,
			Branch:        branch,
		}
	}

	// Merge and cleanup are fused: a merged branch must never linger.
	m.RemoveWorktree(ctx, repoPath, shortID)
	return MergeResult{Success: true, Branch: branch}
}

// unmergedFiles lists conflicting paths of an in-progress merge.
func (m *Manager) unmergedFiles(ctx context.Context, repoPath string) []string {
	out, _, err := m.git.Run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}
