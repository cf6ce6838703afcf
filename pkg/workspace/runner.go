package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// DefaultGitTimeout bounds a single git invocation. Worktree and merge
// operations on large repos can take a while, but nothing here should
// ever hang indefinitely.
const DefaultGitTimeout = 30 * time.Second

// ExecGitRunner is the production GitRunner that shells out to git.
type ExecGitRunner struct {
	// Timeout overrides DefaultGitTimeout when non-zero.
	Timeout time.Duration
}

// Run executes git with the given args in dir, bounded by the runner's
// timeout. A timeout is reported as a normal error, not a panic.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(),
			fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), nil
}
