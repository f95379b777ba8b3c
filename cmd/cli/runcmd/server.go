package runcmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/api"
	"agentrunner/internal/config"
	"agentrunner/internal/launcher"
	"agentrunner/internal/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the API server",
	Run: func(cmd *cobra.Command, args []string) {
		runUntilSignal("server", config.FromCobraCmd(cmd), serveAPI)
	},
}

// serveAPI serves the HTTP API and feeds run changes from the database to its event streams
func serveAPI(ctx context.Context, s *services) error {
	conf := s.conf

	httpMetrics := metrics.NewHTTP()
	if err := httpMetrics.Register(s.registry); err != nil {
		return fmt.Errorf("could not register http metrics: %w", err)
	}

	l := launcher.New(s.store, s.conversations, s.queue, s.runs, launcher.Config{
		HistoryLimit:         conf.Launcher.HistoryLimit,
		DefaultModel:         conf.Agent.DefaultModel,
		DefaultThinkingLevel: conf.Agent.DefaultThinkingLevel,
	})

	server := api.New(ctx, api.Deps{
		Launcher:    l,
		Store:       s.store,
		Broker:      s.broker,
		Usage:       s.usage,
		HTTPMetrics: httpMetrics,
		Metrics:     metrics.Handler(s.registry),
	}, api.Config{
		JWTSecret: conf.Auth.JWTSecret,
		KeepAlive: 15 * time.Second,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.store.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
		if err := server.ListenAndServe(ctx, addr); err != nil {
			return err
		}
		log.Info().Msg("API server stopped")
		return nil
	})
	return g.Wait()
}
