package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/queue"
)

// Worker pulls run messages from the queue and hands them to the executor
type Worker struct {
	ID          string
	queue       queue.Client
	executor    *Executor
	concurrency int
}

func New(q queue.Client, executor *Executor, concurrency int) *Worker {
	return &Worker{
		ID:          uuid.NewString(),
		queue:       q,
		executor:    executor,
		concurrency: max(concurrency, 1),
	}
}

// Start is a blocking function. It runs `concurrency` queue consumers until ctx is cancelled or
// one of them fails.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.ID).
		Int("concurrency", w.concurrency).
		Msg("Worker listening for agent runs")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.queue.Subscribe(ctx, w.handle(ctx))
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) handle(ctx context.Context) func(queue.RunMessage) error {
	return func(msg queue.RunMessage) error {
		if msg.TaskName != queue.AgentRunTask {
			return fmt.Errorf("unknown task %q", msg.TaskName)
		}
		if msg.RunID == "" {
			return errors.New("message has no run id")
		}
		w.executor.Execute(ctx, msg)
		return nil
	}
}
