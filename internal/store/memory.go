package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guregu/null/v6"

	"agentrunner/internal/models"
)

// MemoryStore is an in-process Store. It backs single-process deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.AgentRun
	hub  *Hub
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]models.AgentRun),
		hub:  NewHub(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, run models.AgentRun) (models.AgentRun, error) {
	m.mu.Lock()
	if _, exists := m.runs[run.ID]; exists {
		m.mu.Unlock()
		return models.AgentRun{}, fmt.Errorf("%w: %s", ErrDuplicate, run.ID)
	}
	now := m.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	stored := run.Clone()
	m.runs[run.ID] = stored
	m.mu.Unlock()

	m.hub.Publish(stored)
	return stored.Clone(), nil
}

func (m *MemoryStore) Patch(_ context.Context, id string, patch models.RunPatch) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	run = run.Clone()
	if err := run.Apply(patch, m.now()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.runs[id] = run
	m.mu.Unlock()

	m.hub.Publish(run)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return models.AgentRun{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run.Clone(), nil
}

func (m *MemoryStore) ListByConversation(_ context.Context, conversationID string) ([]models.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]models.AgentRun, 0)
	for _, run := range m.runs {
		if run.ConversationID == conversationID {
			runs = append(runs, run.Clone())
		}
	}
	sortByCreation(runs)
	return runs, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	return m.hub.Subscribe(ctx, filter)
}

func (m *MemoryStore) Heartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", models.ErrTerminal, id, run.Status)
	}
	run.LastHeartbeat = null.TimeFrom(m.now())
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, before time.Time) ([]models.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []models.AgentRun
	for _, run := range m.runs {
		if !run.Status.IsTerminal() && run.LastSeen().Before(before) {
			runs = append(runs, run.Clone())
		}
	}
	sortByCreation(runs)
	return runs, nil
}

// Close ends all subscriptions
func (m *MemoryStore) Close() error {
	m.hub.Close()
	return nil
}

func sortByCreation(runs []models.AgentRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}
