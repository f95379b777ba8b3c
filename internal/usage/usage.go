package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Request describes the prompt a user is about to send
type Request struct {
	Model               string
	InputTokensEstimate int64
}

type Allowance struct {
	Allowed bool
	// RemainingBudget is nil when the user has no limit
	RemainingBudget *int64
}

// Consumption is what a finished run actually used
type Consumption struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Recorder books actual token consumption against a user's budget
type Recorder interface {
	Record(ctx context.Context, userID string, c Consumption) error
}

// Guard decides whether a user may start another run. Checking does not book anything, the
// consumption of the run is recorded once it has finished.
type Guard interface {
	EnsurePromptAllowed(ctx context.Context, userID string, req Request) (Allowance, error)
	Recorder
}

// EstimateTokens approximates the token count of a prompt at four characters per token
func EstimateTokens(prompt string) int64 {
	return int64((len(prompt) + 3) / 4)
}

// Unlimited allows every prompt
type Unlimited struct{}

func (Unlimited) EnsurePromptAllowed(context.Context, string, Request) (Allowance, error) {
	return Allowance{Allowed: true}, nil
}

func (Unlimited) Record(context.Context, string, Consumption) error {
	return nil
}

const keyPrefix = "agentrunner:usage:"

// RedisGuard meters tokens per user and UTC day. A limit of zero or less never refuses a prompt
// but still records consumption.
type RedisGuard struct {
	client *redis.Client
	limit  int64
	now    func() time.Time
}

func NewRedisGuard(client *redis.Client, dailyLimit int64) *RedisGuard {
	return &RedisGuard{
		client: client,
		limit:  dailyLimit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *RedisGuard) key(userID string) string {
	return keyPrefix + userID + ":" + g.now().Format(time.DateOnly)
}

// EnsurePromptAllowed refuses the prompt when its estimate does not fit in what is left of today's
// budget
func (g *RedisGuard) EnsurePromptAllowed(ctx context.Context, userID string, req Request) (Allowance, error) {
	if g.limit <= 0 {
		return Allowance{Allowed: true}, nil
	}

	used, err := g.client.Get(ctx, g.key(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Allowance{}, fmt.Errorf("could not check usage of user %s: %w", userID, err)
	}

	remaining := max(g.limit-used, 0)
	return Allowance{Allowed: req.InputTokensEstimate <= remaining, RemainingBudget: &remaining}, nil
}

// Record adds the input and output tokens of a run to today's counter
func (g *RedisGuard) Record(ctx context.Context, userID string, c Consumption) error {
	tokens := max(c.InputTokens, 0) + max(c.OutputTokens, 0)
	if tokens == 0 {
		return nil
	}

	key := g.key(userID)
	if _, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrBy(ctx, key, tokens)
		pipe.Expire(ctx, key, 48*time.Hour)
		return nil
	}); err != nil {
		return fmt.Errorf("could not record usage of user %s: %w", userID, err)
	}
	return nil
}
