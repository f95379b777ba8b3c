package store

import (
	"context"
	"errors"
	"time"

	"agentrunner/internal/models"
)

var (
	ErrNotFound  = errors.New("agent run not found")
	ErrDuplicate = errors.New("agent run already exists")
	ErrClosed    = errors.New("store is closed")
)

// Store is the durable record store for agent runs. The executor processing a run is its only
// writer after creation, so writes are last-write-wins without cross-field transactions.
type Store interface {
	// Create inserts a new run. Run IDs are supplied by the caller and Create fails with
	// ErrDuplicate if the ID is already taken.
	Create(ctx context.Context, run models.AgentRun) (models.AgentRun, error)

	// Patch merges the partial update into the run and notifies subscribers. It fails with
	// ErrNotFound for unknown IDs and with models.ErrTerminal once the run has finished.
	Patch(ctx context.Context, id string, patch models.RunPatch) error

	Get(ctx context.Context, id string) (models.AgentRun, error)

	// ListByConversation returns the runs of a conversation ordered by creation time
	ListByConversation(ctx context.Context, conversationID string) ([]models.AgentRun, error)

	// Subscribe opens a change feed of full run snapshots matching the filter
	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)

	// Heartbeat records that the executor of a non-terminal run is still alive. It does not
	// produce a change event.
	Heartbeat(ctx context.Context, id string) error

	// ListStale returns non-terminal runs whose last sign of life is older than before
	ListStale(ctx context.Context, before time.Time) ([]models.AgentRun, error)
}

// Filter selects the runs a Subscription receives. Exactly one of the fields should be set.
type Filter struct {
	RunID          string
	ConversationID string
}

// Matches checks if the run is selected by the filter
func (f Filter) Matches(run models.AgentRun) bool {
	switch {
	case f.RunID != "":
		return run.ID == f.RunID
	case f.ConversationID != "":
		return run.ConversationID == f.ConversationID
	default:
		return false
	}
}

func (f Filter) validate() error {
	if (f.RunID == "") == (f.ConversationID == "") {
		return errors.New("filter needs exactly one of run id or conversation id")
	}
	return nil
}
