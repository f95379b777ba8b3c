package runcmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/config"
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Runs the server, a worker and the reconciler in one process",
	Run: func(cmd *cobra.Command, args []string) {
		runUntilSignal("all", config.FromCobraCmd(cmd), func(ctx context.Context, s *services) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serveAPI(ctx, s) })
			g.Go(func() error { return serveWorker(ctx, s) })
			g.Go(func() error { return serveReconciler(ctx, s) })
			return g.Wait()
		})
	},
}
