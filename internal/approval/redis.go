package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "agentrunner:approval:"

// RedisBroker lets the process that decides a token differ from the one waiting on it. Each
// token has a marker key while open and a list the decision is pushed onto. Both expire after the
// configured TTL.
type RedisBroker struct {
	client       *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
}

func NewRedisBroker(client *redis.Client, ttl time.Duration) *RedisBroker {
	return &RedisBroker{client: client, ttl: ttl, pollInterval: time.Second}
}

func openKey(tokenID string) string     { return keyPrefix + tokenID + ":open" }
func decidedKey(tokenID string) string  { return keyPrefix + tokenID + ":decided" }
func decisionKey(tokenID string) string { return keyPrefix + tokenID }

// Open marks the token as open, the marker holds the id of the user allowed to decide it
func (b *RedisBroker) Open(ctx context.Context, tokenID, ownerID string) error {
	if err := b.client.Set(ctx, openKey(tokenID), ownerID, b.ttl).Err(); err != nil {
		return fmt.Errorf("could not open wait token: %w", err)
	}
	return nil
}

// Wait polls the decision list until a decision arrives or ctx is done
func (b *RedisBroker) Wait(ctx context.Context, tokenID string) (Decision, error) {
	exists, err := b.client.Exists(ctx, openKey(tokenID)).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("could not check wait token: %w", err)
	}
	if exists == 0 {
		return Decision{}, ErrUnknownToken
	}
	defer b.forget(ctx, tokenID)

	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		default:
		}

		result, err := b.client.BLPop(ctx, b.pollInterval, decisionKey(tokenID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			return Decision{}, fmt.Errorf("BLPOP on wait token went bad. %w", err)
		}
		if len(result) < 2 {
			continue
		}

		var decision Decision
		if err := json.Unmarshal([]byte(result[1]), &decision); err != nil {
			return Decision{}, fmt.Errorf("could not parse decision: %w", err)
		}
		return decision, nil
	}
}

// Complete records the decision of the token's owner. Only the first decision is accepted.
func (b *RedisBroker) Complete(ctx context.Context, tokenID, userID string, decision Decision) error {
	owner, err := b.client.Get(ctx, openKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownToken
	} else if err != nil {
		return fmt.Errorf("could not check wait token: %w", err)
	}
	if owner != userID {
		return ErrUnknownToken
	}

	first, err := b.client.SetNX(ctx, decidedKey(tokenID), 1, b.ttl).Result()
	if err != nil {
		return fmt.Errorf("could not claim wait token: %w", err)
	}
	if !first {
		return ErrAlreadyDecided
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}
	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, decisionKey(tokenID), data)
		pipe.Expire(ctx, decisionKey(tokenID), b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not push decision: %w", err)
	}
	return nil
}

func (b *RedisBroker) forget(ctx context.Context, tokenID string) {
	if err := b.client.Del(context.WithoutCancel(ctx), openKey(tokenID), decisionKey(tokenID)).Err(); err != nil {
		log.Warn().Err(err).Str("token_id", tokenID).Msg("Could not remove wait token keys")
	}
}
