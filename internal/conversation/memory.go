package conversation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrunner/internal/models"
)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	todos         map[string][]models.ConversationTodo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		todos:         make(map[string][]models.ConversationTodo),
	}
}

func (m *MemoryStore) CreateConversation(_ context.Context, userID, title string) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[id] = models.Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, conversationID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if msg.Metadata != nil {
		meta := *msg.Metadata
		msg.Metadata = &meta
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[conversationID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]models.Message{}, messages...), nil
}

func (m *MemoryStore) SaveTodos(_ context.Context, conversationID, runID string, todos models.Todos) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	saved := m.todos[conversationID]
	for _, row := range models.ConversationTodos(conversationID, runID, todos) {
		i := slices.IndexFunc(saved, func(t models.ConversationTodo) bool {
			return t.RunID == row.RunID && t.TodoID == row.TodoID
		})
		if i < 0 {
			saved = append(saved, row)
		} else {
			saved[i] = row
		}
	}
	m.todos[conversationID] = saved
	return nil
}

func (m *MemoryStore) ListTodos(_ context.Context, conversationID string) ([]models.ConversationTodo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	todos := append([]models.ConversationTodo{}, m.todos[conversationID]...)
	sort.SliceStable(todos, func(i, j int) bool {
		if !todos[i].CreatedAt.Equal(todos[j].CreatedAt) {
			return todos[i].CreatedAt.Before(todos[j].CreatedAt)
		}
		return todos[i].SortOrder < todos[j].SortOrder
	})
	return todos, nil
}
