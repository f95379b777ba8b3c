package runcmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/agent"
	"agentrunner/internal/config"
	"agentrunner/internal/metrics"
	"agentrunner/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker that executes agent runs",
	Run: func(cmd *cobra.Command, args []string) {
		runUntilSignal("worker", config.FromCobraCmd(cmd), func(ctx context.Context, s *services) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serveWorker(ctx, s) })
			g.Go(func() error { return serveMetrics(ctx, s) })
			return g.Wait()
		})
	},
}

func newWorker(s *services) *worker.Worker {
	conf := s.conf

	httpAgent := agent.NewHTTPAgent(conf.Agent.BaseURL, conf.AgentTimeout())
	driver := agent.NewDriver(httpAgent, s.broker, conf.WaitTimeout())
	executor := worker.NewExecutor(s.store, s.conversations, driver, s.usage, s.runs, worker.Config{
		StoreWriteAttempts:   conf.Executor.StoreWriteAttempts,
		StoreWriteBackoff:    conf.StoreWriteBackoff(),
		MaxDuration:          conf.MaxDuration(),
		HeartbeatInterval:    conf.HeartbeatInterval(),
		DefaultModel:         conf.Agent.DefaultModel,
		DefaultThinkingLevel: conf.Agent.DefaultThinkingLevel,
	})
	return worker.New(s.queue, executor, conf.Executor.Concurrency)
}

func serveWorker(ctx context.Context, s *services) error {
	return newWorker(s).Start(ctx)
}

// serveMetrics exposes the run metrics of processes that do not serve the API
func serveMetrics(ctx context.Context, s *services) error {
	if s.conf.Metrics.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.registry))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.conf.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
