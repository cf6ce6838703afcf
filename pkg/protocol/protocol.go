// Package protocol holds the shared naming conventions, path derivation,
// and the socket control-frame codec used by the dispatch engine and the
// session bridge. Everything here is purely derived from task/tab
// identifiers so that a restarted server can rediscover running bridges
// without any persistent registry.
package protocol

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Directory and naming constants used throughout foreman.
const (
	// HomeDir is the user-level state directory (e.g., ~/.foreman).
	HomeDir = ".foreman"

	// SessionsDir is the subdirectory of the foreman home that holds
	// per-session sockets, logs, and reply files.
	SessionsDir = "sessions"

	// WorktreesDir is the directory (relative to a project repo) where
	// per-task git worktrees are created.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for task worktrees.
	BranchPrefix = "task/"

	// PreviewSuffix marks a disposable preview branch mirroring a task branch.
	PreviewSuffix = "-preview"

	// sessionPrefix namespaces tmux sessions owned by foreman.
	sessionPrefix = "fm"
)

// ShortIDLen is the number of leading task-ID characters used for
// branch, worktree, and session naming.
const ShortIDLen = 8

// ShortID returns the short form of a task identifier.
func ShortID(taskID string) string {
	if len(taskID) <= ShortIDLen {
		return taskID
	}
	return taskID[:ShortIDLen]
}

// maxIDLen bounds identifiers used in filesystem paths.
const maxIDLen = 64

// ValidateID checks that an identifier is safe to embed in branch names,
// session names, and filesystem paths. Allowed: letters, digits, '-',
// '_', '.'; ".." and empty strings are rejected.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty identifier")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("identifier too long (%d > %d)", len(id), maxIDLen)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("identifier %q contains '..'", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("identifier %q contains invalid character %q", id, r)
		}
	}
	return nil
}

// TaskSessionName derives the tmux session name for a task's bridge.
func TaskSessionName(taskID string) string {
	return sessionPrefix + "-task-" + ShortID(taskID)
}

// TabSessionName derives the tmux session name for an ad-hoc terminal tab.
func TabSessionName(tabID string) string {
	return sessionPrefix + "-tab-" + tabID
}

// TaskBranch returns the git branch name for a task's worktree.
func TaskBranch(taskID string) string {
	return BranchPrefix + ShortID(taskID)
}

// PreviewBranch returns the disposable preview branch name for a task branch.
func PreviewBranch(branch string) string {
	return branch + PreviewSuffix
}

// IsPreviewBranch reports whether branch is a preview branch of a task branch.
func IsPreviewBranch(branch string) bool {
	return strings.HasPrefix(branch, BranchPrefix) && strings.HasSuffix(branch, PreviewSuffix)
}

// SourceBranch maps a preview branch back to its task branch. Non-preview
// branches are returned unchanged.
func SourceBranch(branch string) string {
	if !IsPreviewBranch(branch) {
		return branch
	}
	return strings.TrimSuffix(branch, PreviewSuffix)
}

// IsTaskBranch reports whether branch belongs to a task (including its
// preview form).
func IsTaskBranch(branch string) bool {
	return strings.HasPrefix(branch, BranchPrefix)
}

// SocketPath returns the unix socket path for a session.
func SocketPath(sessionsDir, session string) string {
	return filepath.Join(sessionsDir, session+".sock")
}

// OutputLogPath returns the append-only structured-output log for a session.
func OutputLogPath(sessionsDir, session string) string {
	return filepath.Join(sessionsDir, session+".out.log")
}

// ScrollbackPath returns the file the bridge persists its scrollback to
// on graceful shutdown.
func ScrollbackPath(sessionsDir, session string) string {
	return filepath.Join(sessionsDir, session+".scrollback.log")
}

// PendingReplyPath returns the well-known path the bridge polls for a
// mid-session reply artifact in structured mode. The file is consumed
// and deleted once picked up.
func PendingReplyPath(sessionsDir, session string) string {
	return filepath.Join(sessionsDir, session+".reply")
}
