package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/conversation"
	"agentrunner/internal/metrics"
	"agentrunner/internal/models"
	"agentrunner/internal/queue"
	"agentrunner/internal/store"
)

const titleLength = 100

type Config struct {
	HistoryLimit         int
	DefaultModel         string
	DefaultThinkingLevel string
}

type Input struct {
	Message        string
	ConversationID string
	UserID         string
	ModelName      string
	ThinkingLevel  string
	// ConversationHistory is loaded from the conversation store when nil
	ConversationHistory []models.Message
}

type Result struct {
	RunID          string           `json:"runId"`
	ConversationID string           `json:"conversationId"`
	TaskID         string           `json:"taskId"`
	Status         models.RunStatus `json:"status"`
}

// Launcher creates pending runs and hands them to the workers. It never waits for a run to make
// progress.
type Launcher struct {
	store         store.Store
	conversations conversation.Store
	queue         queue.Client
	metrics       *metrics.Runs
	conf          Config
	now           func() time.Time
}

func New(st store.Store, conversations conversation.Store, q queue.Client, m *metrics.Runs, conf Config) *Launcher {
	if conf.HistoryLimit <= 0 {
		conf.HistoryLimit = 20
	}
	return &Launcher{
		store:         st,
		conversations: conversations,
		queue:         q,
		metrics:       m,
		conf:          conf,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (l *Launcher) StartRun(ctx context.Context, in Input) (*Result, error) {
	in, err := l.validate(in)
	if err != nil {
		return nil, err
	}

	convID, err := l.conversation(ctx, in)
	if err != nil {
		return nil, err
	}

	history := in.ConversationHistory
	if history == nil {
		// loaded before appending so the history excludes the message being answered
		history, err = l.conversations.GetHistory(ctx, convID, l.conf.HistoryLimit)
		if err != nil {
			return nil, &PersistenceError{Op: "load conversation history", Err: err}
		}
	}
	if err := l.conversations.AppendMessage(ctx, convID, models.Message{Role: models.RoleUser, Content: in.Message}); err != nil {
		return nil, &PersistenceError{Op: "append user message", Err: err}
	}

	threadID := fmt.Sprintf("%s-%s", in.UserID, convID)
	run := models.NewPendingRun(uuid.NewString(), threadID, convID, in.UserID, in.ModelName, in.ThinkingLevel, l.now())
	if _, err := l.store.Create(ctx, run); err != nil {
		return nil, &PersistenceError{Op: "create run", Err: err}
	}

	logger := log.With().
		Str("run_id", run.ID).
		Str("conversation_id", convID).
		Str("user_id", in.UserID).
		Logger()

	taskID, err := l.queue.Trigger(ctx, queue.AgentRunTask, queue.RunMessage{
		RunID:               run.ID,
		ThreadID:            threadID,
		ConversationID:      convID,
		UserID:              in.UserID,
		Message:             in.Message,
		ModelName:           in.ModelName,
		ThinkingLevel:       in.ThinkingLevel,
		ConversationHistory: history,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Could not trigger agent run")

		patch := models.FailedPatch(models.ErrCodeTrigger, fmt.Sprintf("failed to start agent: %v", err))
		markErr := l.store.Patch(context.WithoutCancel(ctx), run.ID, patch)
		if markErr != nil {
			logger.Error().Err(markErr).Msg("Could not mark untriggered run as failed")
		}
		return nil, &TriggerError{RunID: run.ID, Err: err, MarkFailedErr: markErr}
	}

	l.metrics.Launched.Inc()
	logger.Info().
		Str("task_id", taskID).
		Int("history_length", len(history)).
		Msg("Agent run launched")

	return &Result{
		RunID:          run.ID,
		ConversationID: convID,
		TaskID:         taskID,
		Status:         run.Status,
	}, nil
}

func (l *Launcher) validate(in Input) (Input, error) {
	var errs []error

	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" {
		errs = append(errs, &ValidationError{Field: "message", Message: "must not be empty"})
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		errs = append(errs, &ValidationError{Field: "userId", Message: "is required"})
	}

	if in.ModelName == "" {
		in.ModelName = l.conf.DefaultModel
	}
	if in.ThinkingLevel == "" {
		in.ThinkingLevel = l.conf.DefaultThinkingLevel
	}
	if in.ThinkingLevel != "high" && in.ThinkingLevel != "low" {
		errs = append(errs, &ValidationError{Field: "thinkingLevel", Message: fmt.Sprintf("must be high or low, got %q", in.ThinkingLevel)})
	}

	return in, errors.Join(errs...)
}

// conversation returns the conversation the run belongs to, creating it for new chats
func (l *Launcher) conversation(ctx context.Context, in Input) (string, error) {
	if in.ConversationID == "" {
		id, err := l.conversations.CreateConversation(ctx, in.UserID, title(in.Message))
		if err != nil {
			return "", &PersistenceError{Op: "create conversation", Err: err}
		}
		return id, nil
	}

	conv, err := l.conversations.GetConversation(ctx, in.ConversationID)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return "", &ValidationError{Field: "conversationId", Message: "conversation not found"}
	case err != nil:
		return "", &PersistenceError{Op: "load conversation", Err: err}
	case conv.UserID != in.UserID:
		return "", &ValidationError{Field: "conversationId", Message: "conversation not found"}
	}
	return conv.ID, nil
}

func title(message string) string {
	runes := []rune(message)
	if len(runes) > titleLength {
		return string(runes[:titleLength])
	}
	return message
}
