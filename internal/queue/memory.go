package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryClient is a Client backed by a buffered channel, for single-process deployments and tests.
// Any number of subscribers may consume from it; each message goes to exactly one of them.
type MemoryClient struct {
	tasks chan RunMessage
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	deadLetter []RunMessage
}

func NewMemoryClient(capacity int) *MemoryClient {
	return &MemoryClient{
		tasks: make(chan RunMessage, capacity),
		done:  make(chan struct{}),
	}
}

func (m *MemoryClient) Trigger(ctx context.Context, taskName string, msg RunMessage) (string, error) {
	msg.TaskID = uuid.NewString()
	msg.TaskName = taskName
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	select {
	case <-m.done:
		return "", ErrClosed
	default:
	}

	select {
	case m.tasks <- msg:
		return msg.TaskID, nil
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *MemoryClient) Subscribe(ctx context.Context, handler func(RunMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case msg := <-m.tasks:
			if err := processMessage(handler, msg); err != nil {
				log.Error().
					Err(err).
					Str("run_id", msg.RunID).
					Str("task_id", msg.TaskID).
					Msg("Error encountered when processing message")
				m.mu.Lock()
				m.deadLetter = append(m.deadLetter, msg)
				m.mu.Unlock()
			}
		}
	}
}

// DeadLetters returns the messages whose handler failed
func (m *MemoryClient) DeadLetters() []RunMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunMessage(nil), m.deadLetter...)
}

func (m *MemoryClient) Close() error {
	m.once.Do(func() {
		close(m.done)
	})
	return nil
}
