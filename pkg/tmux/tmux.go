// Package tmux is a thin wrapper over the tmux binary. Bridges run
// detached inside named tmux sessions so they survive web-server
// restarts; the dispatch engine only needs create/liveness/kill.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(name string, args ...string) (string, error)
}

// runTimeout bounds every tmux invocation. tmux control commands are
// fast; a hang means the server is wedged and failing is correct.
const runTimeout = 5 * time.Second

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Session manages one named tmux session.
type Session struct {
	Name   string
	Runner CmdRunner
}

// NewSession creates a Session handle with the default ExecRunner.
// No tmux session is created until SpawnDetached is called.
func NewSession(name string) *Session {
	return &Session{Name: name, Runner: &ExecRunner{}}
}

// Exists checks whether the named tmux session is running. This is the
// liveness probe behind orphan detection: a dead session here means any
// task claiming it is stale.
func (s *Session) Exists() bool {
	_, err := s.Runner.Run("tmux", "has-session", "-t", s.Name)
	return err == nil
}

// SpawnDetached creates the session detached, running command as the
// initial process. Fails if a session with this name already exists —
// callers must probe Exists first and reuse the live session instead.
func (s *Session) SpawnDetached(dir, command string) error {
	if s.Exists() {
		return fmt.Errorf("tmux session %s already exists", s.Name)
	}
	args := []string{"new-session", "-d", "-s", s.Name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	args = append(args, command)
	if out, err := s.Runner.Run("tmux", args...); err != nil {
		return fmt.Errorf("tmux new-session: %w (%s)", err, out)
	}
	return nil
}

// Kill destroys the named tmux session.
func (s *Session) Kill() error {
	if _, err := s.Runner.Run("tmux", "kill-session", "-t", s.Name); err != nil {
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}
