package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"foreman/pkg/bridge"
)

// newBridgeCmd creates the "foreman bridge" subcommand. The dispatch
// engine runs this inside a detached tmux session; humans normally
// never invoke it directly.
func newBridgeCmd() *cobra.Command {
	var (
		name        string
		dir         string
		sessionsDir string
		agent       string
		promptFile  string
		outputMode  string
		plan        bool
	)

	cmd := &cobra.Command{
		Use:    "bridge",
		Short:  "Host an agent process and serve its I/O over a unix socket",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}
			if sessionsDir == "" {
				sessionsDir = paths.SessionsDir
			}

			b := bridge.New(bridge.Config{
				Name:            name,
				Dir:             dir,
				SessionsDir:     sessionsDir,
				Agent:           agent,
				PromptFile:      promptFile,
				OutputMode:      bridge.Mode(outputMode),
				Plan:            plan,
				ScrollbackBytes: cfg.ScrollbackBytes,
				TailInterval:    cfg.TailInterval(),
				Logger:          log.NewWithOptions(os.Stderr, log.Options{Prefix: "bridge"}),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return b.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "session name (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "child working directory")
	cmd.Flags().StringVar(&sessionsDir, "sessions-dir", "", "override sessions directory")
	cmd.Flags().StringVar(&agent, "agent", "claude", "agent CLI to launch")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "file holding the assembled prompt")
	cmd.Flags().StringVar(&outputMode, "output-mode", string(bridge.ModeStructured), "structured or interactive")
	cmd.Flags().BoolVar(&plan, "plan", false, "start the agent in planning mode")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
