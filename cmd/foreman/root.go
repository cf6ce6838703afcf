package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Agent task dispatcher over tmux and git worktrees",
		Long:          "foreman queues coding-agent tasks, runs each one in an isolated\ngit worktree inside a detachable tmux session, and merges finished\nwork back into the main line.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newBridgeCmd(),
		newAttachCmd(),
		newStatusCmd(),
		newProjectCmd(),
		newTaskCmd(),
	)

	return cmd
}
