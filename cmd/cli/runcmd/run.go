package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentrunner/internal/approval"
	"agentrunner/internal/config"
	"agentrunner/internal/conversation"
	"agentrunner/internal/database"
	"agentrunner/internal/metrics"
	"agentrunner/internal/queue"
	"agentrunner/internal/store"
	"agentrunner/internal/usage"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(workerCmd)
	Command.AddCommand(reconcilerCmd)
	Command.AddCommand(allCmd)
}

// services are the connections shared by every process type
type services struct {
	conf          *config.ARConfig
	db            *sqlx.DB
	queue         *queue.RedisClient
	store         *store.PostgresStore
	conversations *conversation.PostgresStore
	broker        *approval.RedisBroker
	usage         *usage.RedisGuard
	runs          *metrics.Runs
	registry      *prometheus.Registry
}

func mustServices(conf *config.ARConfig) *services {
	db := mustDatabase(conf)
	q := mustQueue(conf)

	runs := metrics.NewRuns()
	registry := metrics.NewRegistry()
	if err := runs.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("Could not register metrics")
	}

	return &services{
		conf:          conf,
		db:            db,
		queue:         q,
		store:         store.NewPostgresStore(db, conf.GetDatabaseURL()),
		conversations: conversation.NewPostgresStore(db),
		broker:        approval.NewRedisBroker(q.Redis(), conf.TokenTTL()),
		usage:         usage.NewRedisGuard(q.Redis(), conf.Usage.DailyTokenLimit),
		runs:          runs,
		registry:      registry,
	}
}

func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close run store cleanly on shutdown")
	}
	if err := s.queue.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
	}
	if err := s.db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}
}

func mustDatabase(conf *config.ARConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	return db
}

func mustQueue(conf *config.ARConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return redis
}

// runUntilSignal runs the service until it fails or the process is asked to stop
func runUntilSignal(name string, conf *config.ARConfig, serve func(ctx context.Context, s *services) error) {
	log.Info().Msgf("Running %s process", name)

	s := mustServices(conf)
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, s); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msgf("%s stopped with an error", name)
		return
	}
	log.Info().Msgf("%s shut down", name)
}
