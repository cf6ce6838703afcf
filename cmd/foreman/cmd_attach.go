package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"foreman/pkg/protocol"
)

// newAttachCmd creates the "foreman attach" subcommand: connect to a
// running bridge and stream its session to the terminal. Scrollback is
// replayed first, so attaching late never misses buffered output.
func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <task-id>",
		Short: "Attach to a task's bridge session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			session := protocol.TaskSessionName(args[0])
			socket := protocol.SocketPath(paths.SessionsDir, session)

			conn, err := net.DialTimeout("unix", socket, 3*time.Second)
			if err != nil {
				return fmt.Errorf("no bridge at %s: %w", socket, err)
			}
			defer func() { _ = conn.Close() }()

			// Ctrl-C interrupts the agent, not the attachment.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			defer signal.Stop(sigCh)
			go func() {
				for range sigCh {
					frame, ferr := protocol.EncodeFrame(protocol.ControlFrame{Type: protocol.FrameInterrupt})
					if ferr != nil {
						continue
					}
					if _, werr := conn.Write(frame); werr != nil {
						return
					}
				}
			}()

			// Stdin bytes are escaped so a literal NUL (Ctrl-@) is never
			// mistaken for a control frame marker.
			go func() {
				buf := make([]byte, 4096)
				for {
					n, rerr := os.Stdin.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(protocol.EscapeData(buf[:n])); werr != nil {
							return
						}
					}
					if rerr != nil {
						return
					}
				}
			}()

			out := cmd.OutOrStdout()
			var parser protocol.StreamParser
			buf := make([]byte, 4096)
			for {
				n, rerr := conn.Read(buf)
				if n > 0 {
					data, frames := parser.Feed(buf[:n])
					if len(data) > 0 {
						if _, werr := out.Write(data); werr != nil {
							return werr
						}
					}
					for _, f := range frames {
						if f.Type == protocol.FrameExit {
							fmt.Fprintf(out, "\n[session exited with code %d]\n", f.Code)
							return nil
						}
					}
				}
				if rerr != nil {
					if rerr == io.EOF {
						return nil
					}
					return rerr
				}
			}
		},
	}
	return cmd
}
