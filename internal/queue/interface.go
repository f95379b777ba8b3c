package queue

import (
	"context"
	"errors"
	"time"

	"agentrunner/internal/models"
)

// AgentRunTask is the task name the launcher triggers for every new run
const AgentRunTask = "agent-run"

var ErrClosed = errors.New("queue client is closed")

// RunMessage is the payload handed to the executor for one run
type RunMessage struct {
	TaskID              string           `json:"task_id"`
	TaskName            string           `json:"task_name"`
	RunID               string           `json:"run_id"`
	ThreadID            string           `json:"thread_id"`
	ConversationID      string           `json:"conversation_id"`
	UserID              string           `json:"user_id"`
	Message             string           `json:"message"`
	ModelName           string           `json:"model_name"`
	ThinkingLevel       string           `json:"thinking_level"`
	ConversationHistory []models.Message `json:"conversation_history"`
	EnqueuedAt          time.Time        `json:"enqueued_at"`
}

// Client is the fire-and-forget task trigger mechanism
type Client interface {
	// Trigger enqueues msg under taskName and returns the id assigned to the task. It never waits
	// for the task to be processed.
	Trigger(ctx context.Context, taskName string, msg RunMessage) (string, error)
	Subscribe(ctx context.Context, handler func(RunMessage) error) error
	Close() error
}
