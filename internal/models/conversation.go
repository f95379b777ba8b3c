package models

import (
	"database/sql/driver"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single entry of the conversation history handed to the agent
type Message struct {
	Role     MessageRole      `db:"role" json:"role"`
	Content  string           `db:"content" json:"content"`
	Metadata *MessageMetadata `db:"metadata" json:"metadata,omitempty"`
}

// MessageMetadata links an assistant message to the run that produced it
type MessageMetadata struct {
	RunID         string      `json:"runId"`
	Model         string      `json:"model"`
	InputTokens   int64       `json:"inputTokens"`
	OutputTokens  int64       `json:"outputTokens"`
	SearchResults RawJSON     `json:"searchResult,omitempty"`
	EmailDraft    *EmailDraft `json:"emailDraft,omitempty"`
}

func (m MessageMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MessageMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

// ConversationTodo is a models representing the `conversation_todos` table, the plan of a run
// kept with its conversation
type ConversationTodo struct {
	ConversationID string     `db:"conversation_id" json:"conversationId"`
	RunID          string     `db:"run_id" json:"runId"`
	TodoID         string     `db:"todo_id" json:"todoId"`
	Description    string     `db:"description" json:"description"`
	Status         TodoStatus `db:"status" json:"status"`
	SortOrder      int        `db:"sort_order" json:"sortOrder"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	CompletedAt    *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"errorMessage,omitempty"`
}

// ConversationTodos turns the todos of a run into rows, skipping the ones without a description
func ConversationTodos(conversationID, runID string, todos Todos) []ConversationTodo {
	rows := make([]ConversationTodo, 0, len(todos))
	for i, t := range todos {
		if strings.TrimSpace(t.Description) == "" {
			continue
		}
		row := ConversationTodo{
			ConversationID: conversationID,
			RunID:          runID,
			TodoID:         t.ID,
			Description:    t.Description,
			Status:         t.Status,
			SortOrder:      i,
			CreatedAt:      t.CreatedAt,
			CompletedAt:    t.CompletedAt,
		}
		if row.TodoID == "" {
			row.TodoID = strconv.Itoa(i)
		}
		if msg := strings.TrimSpace(t.ErrorMessage); msg != "" {
			row.ErrorMessage = &msg
		}
		rows = append(rows, row)
	}
	return rows
}

// Conversation is a models representing the `conversations` table
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
