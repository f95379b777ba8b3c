package conversation

import (
	"context"
	"errors"

	"agentrunner/internal/models"
)

var ErrNotFound = errors.New("conversation not found")

// Store keeps the conversations whose history seeds every agent run
type Store interface {
	CreateConversation(ctx context.Context, userID, title string) (string, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg models.Message) error
	// GetHistory returns the last limit messages of the conversation, oldest first
	GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	// SaveTodos upserts the plan of a run, keyed by run and todo id
	SaveTodos(ctx context.Context, conversationID, runID string, todos models.Todos) error
	// ListTodos returns the todos of every run of the conversation by creation
	ListTodos(ctx context.Context, conversationID string) ([]models.ConversationTodo, error)
}
