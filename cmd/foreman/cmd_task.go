package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"foreman/pkg/task"
)

// newTaskCmd creates the "foreman task" subcommand group: the CLI face
// of the status transition table.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskMoveCmd(), newTaskPreviewCmd(), newTaskDeleteCmd())
	return cmd
}

func newTaskPreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <project-id> <task-id>",
		Short: "Check out the task's disposable preview branch in the primary checkout",
		Long:  "Creates or fast-forwards <branch>-preview at the task branch tip and\nswitches the project's primary checkout onto it, so you can inspect\nin-flight agent work without sitting on the agent's mutable branch.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			branch, moved, err := rt.eng.PreviewTask(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if moved {
				fmt.Fprintf(cmd.OutOrStdout(), "previewing on %s\n", branch)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already at task branch tip\n", branch)
			}
			return nil
		},
	}
}

func newTaskAddCmd() *cobra.Command {
	var (
		description string
		plan        bool
	)

	cmd := &cobra.Command{
		Use:   "add <project-id> <title>",
		Short: "Queue a new task in todo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.store.GetProject(args[0]); err != nil {
				return err
			}
			t := task.New(args[1], description)
			if plan {
				t.Mode = task.ModePlan
			}
			tasks, err := rt.store.ListTasks(args[0])
			if err != nil {
				return err
			}
			t.Order = float64(len(tasks) + 1)
			if err := rt.store.PutTask(args[0], t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s queued\n", t.ShortID())
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().BoolVar(&plan, "plan", false, "dispatch the agent in planning mode")
	return cmd
}

func newTaskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <project-id> <task-id> <status>",
		Short: "Move a task between columns, running the transition's side effects",
		Long:  "Moving to in-progress queues a dispatch; to done merges the task's\nbranch (conflicts push it back to verify); to todo aborts the agent\nand discards the workspace.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			t, err := rt.eng.ApplyStatusChange(cmd.Context(), args[0], args[1], task.Status(args[2]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s → %s (dispatch %s)\n", t.ShortID(), t.Status, t.Dispatch)
			if t.MergeConflict != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "merge conflict on %s: %v\n", t.MergeConflict.Branch, t.MergeConflict.Files)
			}
			return nil
		},
	}
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id> <task-id>",
		Short: "Delete a task, aborting its agent and discarding its workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.eng.DeleteTask(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "task deleted")
			return nil
		},
	}
}
