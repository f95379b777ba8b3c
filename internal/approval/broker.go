package approval

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownToken is also returned to users deciding a token opened for someone else
	ErrUnknownToken   = errors.New("wait token is unknown or expired")
	ErrAlreadyDecided = errors.New("wait token was already decided")
)

// Decision is the human answer to a paused tool call
type Decision struct {
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Broker carries approval decisions from whoever resolves a wait token to the run waiting on it.
// The waiting side opens the token for the user owning the run before publishing it, so decisions
// for unknown tokens or from other users can be rejected.
type Broker interface {
	Open(ctx context.Context, tokenID, ownerID string) error
	Wait(ctx context.Context, tokenID string) (Decision, error)
	Complete(ctx context.Context, tokenID, userID string, decision Decision) error
}
