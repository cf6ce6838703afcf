package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"foreman/pkg/eventlog"
)

// newStatusCmd creates the "foreman status" subcommand: projects, their
// tasks with dispatch state, and the most recent engine events.
func newStatusCmd() *cobra.Command {
	var (
		taskID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show projects, tasks, and recent dispatch events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			out := cmd.OutOrStdout()

			projects, err := rt.store.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(out, "no projects")
			}
			for _, p := range projects {
				fmt.Fprintf(out, "project %s (%s, %s)\n", p.ID, p.Path, p.ExecutionMode)
				tasks, terr := rt.eng.ReconcileOrphans(cmd.Context(), p.ID)
				if terr != nil {
					return terr
				}
				for _, t := range tasks {
					line := fmt.Sprintf("  [%s/%s] %s %s", t.Status, t.Dispatch, t.ShortID(), t.Title)
					if t.MergeConflict != nil {
						line += fmt.Sprintf(" (conflict: %v)", t.MergeConflict.Files)
					}
					fmt.Fprintln(out, line)
				}
			}

			events, err := rt.events.Recent(cmd.Context(), eventlog.QueryOpts{
				TaskID: taskID,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Fprintln(out, "recent events:")
			}
			for _, e := range events {
				fmt.Fprintf(out, "  %s %s task=%s %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, shortOrDash(e.TaskID), e.Payload)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "restrict events to one task")
	cmd.Flags().IntVar(&limit, "limit", 20, "max events to show")
	return cmd
}

func shortOrDash(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
