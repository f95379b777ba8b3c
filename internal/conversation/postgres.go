package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"agentrunner/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateConversation(ctx context.Context, userID, title string) (string, error) {
	id := uuid.NewString()
	if _, err := p.db.ExecContext(ctx, `
INSERT INTO conversations (id, user_id, title)
VALUES ($1, $2, $3)`, id, userID, title); err != nil {
		return "", fmt.Errorf("could not create conversation: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if uuid.Validate(id) != nil {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var conv models.Conversation
	err := p.db.GetContext(ctx, &conv, `
SELECT id, user_id, title, created_at
FROM conversations
WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return models.Conversation{}, fmt.Errorf("could not get conversation: %w", err)
	}
	return conv, nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) error {
	if uuid.Validate(conversationID) != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	res, err := p.db.ExecContext(ctx, `
INSERT INTO conversation_messages (conversation_id, role, content, metadata)
SELECT id, $2, $3, $4
FROM conversations
WHERE id = $1`, conversationID, msg.Role, msg.Content, msg.Metadata)
	if err != nil {
		return fmt.Errorf("could not append message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}

	messages := make([]models.Message, 0)
	if err := p.db.SelectContext(ctx, &messages, `
SELECT role, content, metadata
FROM (SELECT id, role, content, metadata
      FROM conversation_messages
      WHERE conversation_id = $1
      ORDER BY id DESC
      LIMIT $2) recent
ORDER BY id`, conversationID, limit); err != nil {
		return nil, fmt.Errorf("could not get history: %w", err)
	}
	return messages, nil
}

func (p *PostgresStore) SaveTodos(ctx context.Context, conversationID, runID string, todos models.Todos) error {
	if uuid.Validate(conversationID) != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	rows := models.ConversationTodos(conversationID, runID, todos)
	if len(rows) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, `
INSERT INTO conversation_todos (conversation_id, run_id, todo_id, description, status, sort_order, created_at,
                                completed_at, error_message)
VALUES (:conversation_id, :run_id, :todo_id, :description, :status, :sort_order, :created_at, :completed_at,
        :error_message)
ON CONFLICT (run_id, todo_id) DO UPDATE
    SET description   = excluded.description,
        status        = excluded.status,
        sort_order    = excluded.sort_order,
        completed_at  = excluded.completed_at,
        error_message = excluded.error_message,
        updated_at    = NOW()`, row); err != nil {
			return fmt.Errorf("could not save todo %s of run %s: %w", row.TodoID, runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not save todos of run %s: %w", runID, err)
	}
	return nil
}

func (p *PostgresStore) ListTodos(ctx context.Context, conversationID string) ([]models.ConversationTodo, error) {
	todos := make([]models.ConversationTodo, 0)
	if uuid.Validate(conversationID) != nil {
		return todos, nil
	}
	if err := p.db.SelectContext(ctx, &todos, `
SELECT conversation_id, run_id, todo_id, description, status, sort_order, created_at, completed_at, error_message
FROM conversation_todos
WHERE conversation_id = $1
ORDER BY created_at, sort_order`, conversationID); err != nil {
		return nil, fmt.Errorf("could not list todos: %w", err)
	}
	return todos, nil
}
