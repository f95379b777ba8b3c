package approval

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	owner     string
	decisions chan Decision
}

type MemoryBroker struct {
	mu    sync.Mutex
	slots map[string]slot
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{slots: make(map[string]slot)}
}

func (b *MemoryBroker) Open(_ context.Context, tokenID, ownerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.slots[tokenID]; !ok {
		b.slots[tokenID] = slot{owner: ownerID, decisions: make(chan Decision, 1)}
	}
	return nil
}

// Wait blocks until the token is decided or ctx is done. The token is forgotten either way.
func (b *MemoryBroker) Wait(ctx context.Context, tokenID string) (Decision, error) {
	b.mu.Lock()
	s, ok := b.slots[tokenID]
	b.mu.Unlock()
	if !ok {
		return Decision{}, ErrUnknownToken
	}
	defer func() {
		b.mu.Lock()
		delete(b.slots, tokenID)
		b.mu.Unlock()
	}()

	select {
	case decision := <-s.decisions:
		return decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (b *MemoryBroker) Complete(_ context.Context, tokenID, userID string, decision Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[tokenID]
	if !ok || s.owner != userID {
		return ErrUnknownToken
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}

	select {
	case s.decisions <- decision:
		return nil
	default:
		return ErrAlreadyDecided
	}
}
