package bridge

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// childProc wraps the agent child so kill targets the whole process
// group: the shell wrapper and everything the agent forked.
type childProc struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	waited bool
	code   int
	waitCh chan struct{}
}

// newGroupCmd builds a shell command that will run in its own process
// group.
func newGroupCmd(dir, command string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// wrapChild registers an already-started command for group kill and
// exit-code tracking.
func wrapChild(cmd *exec.Cmd) *childProc {
	c := &childProc{cmd: cmd, waitCh: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.waited = true
		c.code = exitCode(err)
		c.mu.Unlock()
		close(c.waitCh)
	}()
	return c
}

// wait blocks until the child exits and returns its exit code.
func (c *childProc) wait() int {
	<-c.waitCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// alive reports whether the child is still running.
func (c *childProc) alive() bool {
	select {
	case <-c.waitCh:
		return false
	default:
		return true
	}
}

// kill terminates the process group: SIGTERM, a grace period, then
// SIGKILL. Fire-and-forget; it never blocks on the child reaping.
func (c *childProc) kill(grace time.Duration) {
	if c.cmd.Process == nil || !c.alive() {
		return
	}
	pgid := c.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	waitCh := c.waitCh
	time.AfterFunc(grace, func() {
		select {
		case <-waitCh:
		default:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	})
}
