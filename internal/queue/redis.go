package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TaskQueueName       = "agentrunner:tasks"
	DeadLetterQueueName = "agentrunner:dead-letter"
)

// RedisClient implements Client using Redis
type RedisClient struct {
	ID     string
	client *redis.Client
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{ID: uuid.NewString(), client: client}, nil
}

// Redis exposes the underlying connection so other components can share it
func (r *RedisClient) Redis() *redis.Client {
	return r.client
}

// Trigger pushes the message to the tail of the task queue
func (r *RedisClient) Trigger(ctx context.Context, taskName string, msg RunMessage) (string, error) {
	msg.TaskID = uuid.NewString()
	msg.TaskName = taskName
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := r.client.RPush(ctx, TaskQueueName, data).Err(); err != nil {
		return "", fmt.Errorf("could not push task to queue: %w", err)
	}
	return msg.TaskID, nil
}

// Subscribe starts listening for messages and processes them with the handler until ctx is done.
// Messages whose handler fails or panics are moved to the dead letter queue.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(RunMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := r.getNewMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				if errors.Is(err, redis.ErrClosed) {
					return ErrClosed
				}
				continue
			} else if message == nil {
				continue
			}

			if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Str("run_id", message.RunID).
					Str("task_id", message.TaskID).
					Msg("Error encountered when processing message")
				r.deadLetter(ctx, *message, err)
			}
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*RunMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, TaskQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	var message RunMessage
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		return nil, fmt.Errorf("could not parse message into RunMessage. %w", err)
	}
	return &message, nil
}

type deadLetter struct {
	Message   RunMessage `json:"message"`
	Error     string     `json:"error"`
	Timestamp time.Time  `json:"timestamp"`
	WorkerID  string     `json:"worker_id"`
}

func (r *RedisClient) deadLetter(ctx context.Context, message RunMessage, cause error) {
	data, err := json.Marshal(deadLetter{
		Message:   message,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
		WorkerID:  r.ID,
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", message.RunID).Msg("Could not encode dead letter")
		return
	}
	if err := r.client.RPush(context.WithoutCancel(ctx), DeadLetterQueueName, data).Err(); err != nil {
		log.Error().Err(err).Str("run_id", message.RunID).Msg("Could not push message to dead letter queue")
	}
}

func processMessage(handler func(RunMessage) error, message RunMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Str("run_id", message.RunID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(message)
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
