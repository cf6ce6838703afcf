package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"foreman/pkg/protocol"
)

// runStructured launches the agent behind a shell redirect into an
// append-only log file and tails that file to clients. After the child
// exits the bridge stays up: a pending-reply file dropped at the
// session's well-known path reopens the conversation as a continuation,
// and the exit frame is withheld until the continuation also finishes.
func (b *Bridge) runStructured(ctx context.Context) error {
	logPath := protocol.OutputLogPath(b.cfg.SessionsDir, b.cfg.Name)
	replyPath := protocol.PendingReplyPath(b.cfg.SessionsDir, b.cfg.Name)

	tail := &tailer{srv: b.srv, logPath: logPath}
	b.setTailer(tail)
	tailCtx, stopTail := context.WithCancel(ctx)
	defer stopTail()
	go b.tailLoop(tailCtx, tail)

	child, err := b.startStructuredChild(logPath, b.readPrompt(), "")
	if err != nil {
		return err
	}

	for {
		code := child.wait()
		b.setChild(nil, nil)
		b.logger.Info("child exited", "code", code)

		// Drain the log before anything else so the child's final
		// output reaches clients ahead of the exit frame.
		tail.drain()

		// A reply that arrived while the child was finishing continues
		// the session without ever surfacing the exit.
		if reply, ok := consumeReply(replyPath); ok {
			child, err = b.continueSession(logPath, reply)
			if err != nil {
				b.srv.SendExit(code)
				return err
			}
			continue
		}

		b.srv.SendExit(code)

		reply, ok := b.waitForReply(ctx, replyPath)
		if !ok {
			return nil
		}
		b.srv.ClearExit()
		child, err = b.continueSession(logPath, reply)
		if err != nil {
			return err
		}
	}
}

// startStructuredChild spawns the agent with output appended to logPath.
func (b *Bridge) startStructuredChild(logPath, prompt, resumeID string) (*childProc, error) {
	wrapper := fmt.Sprintf("%s >> %s 2>&1", b.agentCommand(prompt, resumeID), shellQuote(logPath))
	cmd := newGroupCmd(b.cfg.Dir, wrapper)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	child := wrapChild(cmd)
	b.setChild(child, nil)
	return child, nil
}

// continueSession resumes the prior agent conversation with the reply
// text, reusing the agent's own session ID when the log yields one.
func (b *Bridge) continueSession(logPath, reply string) (*childProc, error) {
	resumeID := extractSessionID(logPath)
	b.logger.Info("continuing session", "resume", resumeID != "")
	return b.startStructuredChild(logPath, reply, resumeID)
}

// tailer tracks the read offset into the agent's log file and broadcasts
// appended bytes. drain is safe to call from any goroutine: the exit
// path and Shutdown use it to flush the log synchronously.
type tailer struct {
	srv     *Server
	logPath string

	mu     sync.Mutex
	offset int64
}

// drain broadcasts any log bytes appended since the last read.
func (t *tailer) drain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.logPath)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.Size() <= t.offset {
		return
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return
	}
	t.offset += int64(len(data))
	if len(data) > 0 {
		t.srv.Broadcast(data)
	}
}

// tailLoop streams appended log bytes to clients. fsnotify wakes the
// loop on writes; the ticker is the fallback for filesystems that drop
// events.
func (b *Bridge) tailLoop(ctx context.Context, tail *tailer) {
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if werr := watcher.Add(b.cfg.SessionsDir); werr != nil {
			b.logger.Warn("log watch failed, polling only", "err", werr)
		} else {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(b.cfg.TailInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			tail.drain()
			return
		case ev := <-events:
			if ev.Name == tail.logPath && ev.Has(fsnotify.Write) {
				tail.drain()
			}
		case <-ticker.C:
			tail.drain()
		}
	}
}

// waitForReply blocks until a pending-reply file appears or ctx ends.
// The file is consumed and deleted.
func (b *Bridge) waitForReply(ctx context.Context, replyPath string) (string, bool) {
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if werr := watcher.Add(b.cfg.SessionsDir); werr == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(b.cfg.TailInterval)
	defer ticker.Stop()
	for {
		if reply, ok := consumeReply(replyPath); ok {
			return reply, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-events:
		case <-ticker.C:
		}
	}
}

// consumeReply reads and deletes the pending-reply file if present.
func consumeReply(replyPath string) (string, bool) {
	data, err := os.ReadFile(replyPath)
	if err != nil {
		return "", false
	}
	_ = os.Remove(replyPath)
	reply := strings.TrimSpace(string(data))
	if reply == "" {
		return "", false
	}
	return reply, true
}

// extractSessionID scans the agent's JSONL log for the most recent
// session identifier. An empty result means a fresh session.
func extractSessionID(logPath string) string {
	f, err := os.Open(logPath)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	var id string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var line struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line.SessionID != "" {
			id = line.SessionID
		}
	}
	return id
}
