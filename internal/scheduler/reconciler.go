package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/metrics"
	"agentrunner/internal/models"
	"agentrunner/internal/store"
)

// Reconciler fails runs that nobody is working on anymore. A run is considered abandoned when
// neither a write nor a heartbeat reached it for longer than staleAfter, which happens when a
// worker died or could not even write the failure of its run.
type Reconciler struct {
	store      store.Store
	metrics    *metrics.Runs
	cron       *cron.Cron
	spec       string
	staleAfter time.Duration

	mu         sync.Mutex
	isRunning  bool // checks if start has been called
	sweeping   atomic.Bool
	cancelFunc context.CancelFunc
}

// NewReconciler creates a reconciler sweeping on the cron spec, e.g. "@every 1m" or
// "*/30 * * * * *"
func NewReconciler(st store.Store, m *metrics.Runs, spec string, staleAfter time.Duration) *Reconciler {
	// Create cron with seconds precision
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{})),
	)

	return &Reconciler{
		store:      st,
		metrics:    m,
		cron:       c,
		spec:       spec,
		staleAfter: staleAfter,
	}
}

// Start schedules the sweep. It returns immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if _, err := r.cron.AddFunc(r.spec, func() {
		if ctx.Err() != nil {
			return
		}
		// a slow sweep must not overlap with the next one
		if !r.sweeping.CompareAndSwap(false, true) {
			return
		}
		defer r.sweeping.Store(false)

		if _, err := r.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Stale run sweep failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid reconciler schedule %q: %w", r.spec, err)
	}

	r.cancelFunc = cancel
	r.isRunning = true
	r.cron.Start()

	log.Info().
		Str("schedule", r.spec).
		Dur("stale_after", r.staleAfter).
		Msg("Reconciler started")
	return nil
}

// Stop cancels a sweep in progress and waits for it to return
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}

	r.cancelFunc()
	<-r.cron.Stop().Done()
	r.isRunning = false
}

// Sweep fails every stale run and returns how many were failed
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	before := time.Now().UTC().Add(-r.staleAfter)
	runs, err := r.store.ListStale(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("could not list stale runs: %w", err)
	}

	var errs []error
	failed := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		seen := run.LastSeen()
		message := fmt.Sprintf("run stopped reporting progress in %s since %s", run.Status, seen.Format(time.RFC3339))
		err := r.store.Patch(ctx, run.ID, models.FailedPatch(models.ErrCodeOrphaned, message))
		switch {
		case err == nil:
		case errors.Is(err, models.ErrTerminal):
			// finished between listing and patching
			continue
		default:
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
			continue
		}

		failed++
		r.metrics.Reconciled.Inc()
		log.Warn().
			Str("run_id", run.ID).
			Str("conversation_id", run.ConversationID).
			Str("status", string(run.Status)).
			Time("last_seen", seen).
			Msg("Failed orphaned run")
	}

	if failed > 0 || len(errs) > 0 {
		log.Info().
			Int("stale", len(runs)).
			Int("failed", failed).
			Int("errors", len(errs)).
			Msg("Stale run sweep complete")
	}
	return failed, errors.Join(errs...)
}

// cronLogger sends the cron library's logs to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
