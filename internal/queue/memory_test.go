package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/queue"
)

func TestMemoryClient(t *testing.T) {
	t.Run("delivers each message once across subscribers", func(t *testing.T) {
		client := queue.NewMemoryClient(16)
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		wg.Add(10)

		for i := 0; i < 3; i++ {
			go func() {
				_ = client.Subscribe(ctx, func(msg queue.RunMessage) error {
					mu.Lock()
					seen[msg.RunID]++
					mu.Unlock()
					wg.Done()
					return nil
				})
			}()
		}

		for i := 0; i < 10; i++ {
			taskID, err := client.Trigger(ctx, queue.AgentRunTask, sampleMessage(string(rune('a'+i))))
			require.NoError(t, err)
			assert.NotEmpty(t, taskID)
		}

		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, seen, 10)
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
		}
	})

	t.Run("failed messages are dead lettered", func(t *testing.T) {
		client := queue.NewMemoryClient(1)
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handled := make(chan struct{})
		go func() {
			_ = client.Subscribe(ctx, func(queue.RunMessage) error {
				defer close(handled)
				return errors.New("boom")
			})
		}()

		_, err := client.Trigger(ctx, queue.AgentRunTask, sampleMessage("run-1"))
		require.NoError(t, err)
		<-handled

		assert.Eventually(t, func() bool {
			return len(client.DeadLetters()) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("closed client", func(t *testing.T) {
		client := queue.NewMemoryClient(1)
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		_, err := client.Trigger(context.Background(), queue.AgentRunTask, sampleMessage("run-1"))
		assert.ErrorIs(t, err, queue.ErrClosed)

		err = client.Subscribe(context.Background(), func(queue.RunMessage) error { return nil })
		assert.ErrorIs(t, err, queue.ErrClosed)
	})
}
