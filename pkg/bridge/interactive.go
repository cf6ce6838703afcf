package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/creack/pty"
)

// ptyDrainTimeout bounds the wait for the pty reader to flush buffered
// child output after exit. The pump normally ends on its own when the
// slave side closes; the timeout covers a descendant holding it open.
const ptyDrainTimeout = 2 * time.Second

// runInteractive backs the agent with a pseudo-terminal. Client bytes
// are keystrokes; the pty's output stream is the broadcast source. The
// bridge outlives the child to keep serving scrollback to late clients.
func (b *Bridge) runInteractive(ctx context.Context) error {
	cmd := newGroupCmd(b.cfg.Dir, b.agentCommand(b.readPrompt(), ""))
	// The pty makes the child a session leader; Setpgid would conflict.
	cmd.SysProcAttr = nil

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty child: %w", err)
	}
	child := wrapChild(cmd)
	b.setChild(child, ptmx)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		buf := make([]byte, 8192)
		for {
			n, rerr := ptmx.Read(buf)
			if n > 0 {
				b.srv.Broadcast(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()

	go func() {
		code := child.wait()
		b.logger.Info("child exited", "code", code)
		// Let the pump flush remaining pty output so the exit frame is
		// the last thing on the stream.
		select {
		case <-pumpDone:
		case <-time.After(ptyDrainTimeout):
		}
		b.srv.SendExit(code)
		_ = ptmx.Close()
		b.setChild(nil, nil)
	}()

	<-ctx.Done()
	return nil
}
