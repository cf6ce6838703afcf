package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"foreman/pkg/task"
)

// newProjectCmd creates the "foreman project" subcommand group.
func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(newProjectAddCmd(), newProjectListCmd())
	return cmd
}

func newProjectAddCmd() *cobra.Command {
	var parallel bool

	cmd := &cobra.Command{
		Use:   "add <repo-path>",
		Short: "Register a git repository as a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			p := task.NewProject(path)
			if parallel {
				p.ExecutionMode = task.ExecParallel
			}
			if err := rt.store.PutProject(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s added (%s)\n", p.ID, p.ExecutionMode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&parallel, "parallel", false, "dispatch all queued tasks at once")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			projects, err := rt.store.ListProjects()
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", p.ID, p.ExecutionMode, p.Path)
			}
			return nil
		},
	}
}
