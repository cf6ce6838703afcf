package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// newServeCmd creates the "foreman serve" subcommand: the long-running
// reconciliation loop that heals orphaned sessions and advances project
// queues.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch reconciliation loop",
		Long:  "Polls every project on a fixed interval, healing tasks whose agent\nsessions died and dispatching queued tasks as slots free up.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt.logger.Info("serve loop up", "poll", rt.cfg.OrphanPoll())
			ticker := time.NewTicker(rt.cfg.OrphanPoll())
			defer ticker.Stop()

			for {
				reconcileAll(ctx, rt)
				select {
				case <-ctx.Done():
					rt.logger.Info("serve loop down")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

// reconcileAll runs the orphan-detection and queue pass on every project.
func reconcileAll(ctx context.Context, rt *runtime) {
	projects, err := rt.store.ListProjects()
	if err != nil {
		rt.logger.Warn("list projects failed", "err", err)
		return
	}
	for _, p := range projects {
		if _, err := rt.eng.ReconcileOrphans(ctx, p.ID); err != nil {
			rt.logger.Warn("reconcile failed", "project", p.ID, "err", err)
		}
		rt.eng.ProcessQueue(ctx, p.ID)
	}
}
