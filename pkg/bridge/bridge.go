// Package bridge hosts one agent child process per task inside a
// detachable tmux session and relays its I/O to any number of clients
// over a unix socket. Clients come and go; the bridge and its
// scrollback survive them, and survive the child's exit.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"

	"foreman/pkg/protocol"
)

// Mode selects how the bridge runs its child.
type Mode string

// Bridge operating modes.
const (
	// ModeInteractive backs the child with a pseudo-terminal and
	// forwards raw client keystrokes.
	ModeInteractive Mode = "interactive"
	// ModeStructured runs the child behind a shell redirect into an
	// append-only log the bridge tails, avoiding TTY line-wrapping
	// artifacts in machine-oriented output.
	ModeStructured Mode = "structured"
)

// Config describes one bridge session.
type Config struct {
	Name        string // derived session name, keys every artifact path
	Dir         string // child working directory
	SessionsDir string
	Agent       string // agent CLI binary
	PromptFile  string // file holding the assembled prompt
	OutputMode  Mode
	Plan        bool // start the agent in planning mode

	ScrollbackBytes int
	TailInterval    time.Duration
	KillGrace       time.Duration
	Logger          *log.Logger
}

// Bridge is one running session host.
type Bridge struct {
	cfg    Config
	logger *log.Logger
	ring   *Ring
	srv    *Server

	mu    sync.Mutex
	child *childProc
	pty   *os.File
	tail  *tailer
	done  bool
}

// New creates a Bridge from cfg, applying defaults.
func New(cfg Config) *Bridge {
	if cfg.OutputMode == "" {
		cfg.OutputMode = ModeStructured
	}
	if cfg.TailInterval <= 0 {
		cfg.TailInterval = 250 * time.Millisecond
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr)
	}
	ring := NewRing(cfg.ScrollbackBytes)
	b := &Bridge{cfg: cfg, logger: cfg.Logger, ring: ring}
	b.srv = NewServer(protocol.SocketPath(cfg.SessionsDir, cfg.Name), ring, cfg.Logger)
	b.srv.OnData = b.handleInput
	b.srv.OnFrame = b.handleFrame
	return b
}

// Run starts the socket server and the child, and blocks until ctx is
// cancelled. The child exiting does not end the run: the bridge keeps
// serving scrollback replay and, in structured mode, watches for a
// pending reply to continue the conversation.
func (b *Bridge) Run(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.SessionsDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	if err := b.srv.Listen(); err != nil {
		return err
	}
	defer b.Shutdown()

	b.logger.Info("bridge up", "name", b.cfg.Name, "mode", b.cfg.OutputMode)

	switch b.cfg.OutputMode {
	case ModeInteractive:
		return b.runInteractive(ctx)
	case ModeStructured:
		return b.runStructured(ctx)
	}
	return fmt.Errorf("unknown output mode %q", b.cfg.OutputMode)
}

// Shutdown persists the scrollback, removes the socket, and force-kills
// the child if still alive. Safe to call more than once.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	child := b.child
	tail := b.tail
	b.mu.Unlock()

	// Flush any log bytes the tail loop has not picked up yet so the
	// persisted scrollback covers the whole session.
	if tail != nil {
		tail.drain()
	}

	dump := protocol.ScrollbackPath(b.cfg.SessionsDir, b.cfg.Name)
	if err := os.WriteFile(dump, b.ring.Bytes(), 0o600); err != nil {
		b.logger.Warn("persist scrollback failed", "path", dump, "err", err)
	}
	b.srv.Close()
	if child != nil {
		child.kill(b.cfg.KillGrace)
	}
	b.logger.Info("bridge down", "name", b.cfg.Name)
}

// handleInput forwards literal client bytes to the child's terminal.
// Structured-mode children have no stdin channel; bytes are dropped.
func (b *Bridge) handleInput(p []byte) {
	b.mu.Lock()
	ptmx := b.pty
	b.mu.Unlock()
	if ptmx != nil {
		_, _ = ptmx.Write(p)
	}
}

// handleFrame applies a client control frame. Resize only acts on a
// pty-backed child; interrupt kills the child but never the bridge.
func (b *Bridge) handleFrame(f protocol.ControlFrame) {
	switch f.Type {
	case protocol.FrameResize:
		b.mu.Lock()
		ptmx := b.pty
		b.mu.Unlock()
		if ptmx == nil {
			return
		}
		if err := pty.Setsize(ptmx, &pty.Winsize{
			Rows: uint16(f.Rows),
			Cols: uint16(f.Cols),
		}); err != nil {
			b.logger.Warn("resize failed", "err", err)
		}
	case protocol.FrameInterrupt:
		b.mu.Lock()
		child := b.child
		b.mu.Unlock()
		if child != nil {
			b.logger.Info("interrupt: killing child")
			child.kill(b.cfg.KillGrace)
		}
	}
}

func (b *Bridge) setChild(c *childProc, ptmx *os.File) {
	b.mu.Lock()
	b.child = c
	b.pty = ptmx
	b.mu.Unlock()
}

func (b *Bridge) setTailer(t *tailer) {
	b.mu.Lock()
	b.tail = t
	b.mu.Unlock()
}

// readPrompt loads the dispatch prompt; a missing file means an empty
// prompt (ad-hoc terminal tabs have none).
func (b *Bridge) readPrompt() string {
	if b.cfg.PromptFile == "" {
		return ""
	}
	data, err := os.ReadFile(b.cfg.PromptFile)
	if err != nil {
		b.logger.Warn("read prompt failed", "path", b.cfg.PromptFile, "err", err)
		return ""
	}
	return string(data)
}

// agentCommand builds the agent's shell command line. Structured mode
// asks the agent for newline-delimited JSON; a resume ID continues a
// prior agent session.
func (b *Bridge) agentCommand(prompt, resumeID string) string {
	parts := []string{b.cfg.Agent}
	if b.cfg.Plan {
		parts = append(parts, "--permission-mode", "plan")
	}
	if resumeID != "" {
		parts = append(parts, "--resume", shellQuote(resumeID))
	}
	if b.cfg.OutputMode == ModeStructured {
		parts = append(parts, "-p", "--output-format", "stream-json", "--verbose")
	}
	if prompt != "" {
		parts = append(parts, shellQuote(prompt))
	}
	return strings.Join(parts, " ")
}

// exitCode extracts the child's exit status from Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
