package runcmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/config"
	"agentrunner/internal/scheduler"
)

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Runs the reconciler that fails runs abandoned by their worker",
	Run: func(cmd *cobra.Command, args []string) {
		runUntilSignal("reconciler", config.FromCobraCmd(cmd), func(ctx context.Context, s *services) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serveReconciler(ctx, s) })
			g.Go(func() error { return serveMetrics(ctx, s) })
			return g.Wait()
		})
	},
}

func serveReconciler(ctx context.Context, s *services) error {
	r := scheduler.NewReconciler(s.store, s.runs, s.conf.Reconciler.Cron, s.conf.StaleAfter())
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	<-ctx.Done()
	return nil
}
