package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/agent"
	"agentrunner/internal/conversation"
	"agentrunner/internal/metrics"
	"agentrunner/internal/models"
	"agentrunner/internal/queue"
	"agentrunner/internal/store"
	"agentrunner/internal/usage"
)

// InitialNode is the node a run shows between pickup and the first agent step
const InitialNode = "initializing"

type Config struct {
	StoreWriteAttempts   int
	StoreWriteBackoff    time.Duration
	StoreWriteTimeout    time.Duration
	MaxDuration          time.Duration
	HeartbeatInterval    time.Duration
	DefaultModel         string
	DefaultThinkingLevel string
}

// Executor processes one run from pickup to a terminal record. It is the only writer of the run
// while it works on it and it never reports errors to its caller: every outcome ends up on the
// record, or in the logs when the record itself cannot be written.
type Executor struct {
	store         store.Store
	conversations conversation.Store
	driver        *agent.Driver
	usage         usage.Recorder
	metrics       *metrics.Runs
	conf          Config
}

func NewExecutor(st store.Store, conversations conversation.Store, driver *agent.Driver, meter usage.Recorder, m *metrics.Runs, conf Config) *Executor {
	if conf.StoreWriteTimeout <= 0 {
		conf.StoreWriteTimeout = 10 * time.Second
	}
	if conf.StoreWriteAttempts < 1 {
		conf.StoreWriteAttempts = 3
	}
	if meter == nil {
		meter = usage.Unlimited{}
	}
	return &Executor{
		store:         st,
		conversations: conversations,
		driver:        driver,
		usage:         meter,
		metrics:       m,
		conf:          conf,
	}
}

// Execute runs the agent for the message. It returns once the run is terminal, was found to be
// terminal already, or could not be written at all.
func (e *Executor) Execute(ctx context.Context, msg queue.RunMessage) {
	logger := log.With().
		Str("run_id", msg.RunID).
		Str("task_id", msg.TaskID).
		Str("conversation_id", msg.ConversationID).
		Logger()

	defer func() {
		if rcv := recover(); rcv != nil {
			logger.Error().
				Interface("panic", rcv).
				Bytes("stack", debug.Stack()).
				Msg("Executor panicked")
			e.forceFail(ctx, logger, msg.RunID, models.ErrCodePanic, fmt.Sprintf("executor panicked: %v", rcv))
		}
	}()

	logger.Info().
		Int("message_length", len(msg.Message)).
		Int("history_length", len(msg.ConversationHistory)).
		Str("model", msg.ModelName).
		Msg("Starting agent run")

	started := time.Now()
	status := models.RunStatusRunning
	node := InitialNode
	err := e.write(ctx, logger, msg.RunID, models.RunPatch{
		Status:      &status,
		CurrentNode: &node,
		Progress:    &models.Progress{CurrentNode: node, Timestamp: time.Now().UTC()},
	})
	switch {
	case errors.Is(err, models.ErrTerminal):
		logger.Info().Msg("Run already finished before pickup, skipping")
		return
	case errors.Is(err, store.ErrNotFound):
		logger.Error().Err(err).Msg("Run record does not exist, dropping task")
		return
	case err != nil:
		e.giveUp(ctx, logger, msg.RunID, err)
		return
	}
	e.metrics.Started.Inc()

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.conf.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.conf.MaxDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	go e.sendHeartbeat(runCtx, cancel, logger, msg.RunID)

	var terminal agent.Patch
	err = e.driver.Drive(runCtx, e.input(msg), func(ctx context.Context, p agent.Patch) error {
		if err := e.write(ctx, logger, msg.RunID, agent.RunPatch(p)); err != nil {
			return err
		}
		if p.Terminal() {
			terminal = p
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, models.ErrTerminal):
		// someone else, usually a cancellation, ended the run while we were working on it
		logger.Info().Msg("Run was ended externally, stopping")
	default:
		e.giveUp(ctx, logger, msg.RunID, err)
	}

	e.finish(ctx, logger, msg, terminal, time.Since(started))
}

func (e *Executor) input(msg queue.RunMessage) agent.Input {
	in := agent.Input{
		RunID:          msg.RunID,
		ThreadID:       msg.ThreadID,
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		Message:        msg.Message,
		ModelName:      msg.ModelName,
		ThinkingLevel:  msg.ThinkingLevel,
		History:        msg.ConversationHistory,
	}
	if in.ModelName == "" {
		in.ModelName = e.conf.DefaultModel
	}
	if in.ThinkingLevel == "" {
		in.ThinkingLevel = e.conf.DefaultThinkingLevel
	}
	return in
}

// write persists a patch, retrying transient failures. Writes outlive the run context so a run
// that hit its maximum duration can still be failed.
func (e *Executor) write(ctx context.Context, logger zerolog.Logger, runID string, patch models.RunPatch) error {
	_, err := tryRun(retryPolicy{
		attempts:  e.conf.StoreWriteAttempts,
		backoff:   e.conf.StoreWriteBackoff,
		retryable: store.IsTransient,
		onRetry: func(attempt int, err error) {
			e.metrics.StoreWriteRetries.Inc()
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", e.conf.StoreWriteAttempts).
				Msg("Could not write run update, retrying")
		},
	}, func() error {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.StoreWriteTimeout)
		defer cancel()
		return e.store.Patch(wctx, runID, patch)
	})
	return err
}

// giveUp is called once writes are exhausted. It makes one last attempt to fail the run.
func (e *Executor) giveUp(ctx context.Context, logger zerolog.Logger, runID string, cause error) {
	logger.Error().
		Err(cause).
		Msg("Giving up on run after store write failures")
	e.forceFail(ctx, logger, runID, models.ErrCodeStoreWrite, fmt.Sprintf("could not persist run progress: %v", cause))
}

func (e *Executor) forceFail(ctx context.Context, logger zerolog.Logger, runID string, code models.ErrorCode, message string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.StoreWriteTimeout)
	defer cancel()

	err := e.store.Patch(wctx, runID, models.FailedPatch(code, message))
	switch {
	case err == nil:
		logger.Warn().Str("error_code", string(code)).Msg("Forced run into failed state")
	case errors.Is(err, models.ErrTerminal):
	default:
		e.metrics.Orphaned.Inc()
		logger.Error().
			Err(err).
			Msg("Could not fail run, it stays non-terminal until the reconciler picks it up")
	}
}

// finish records metrics and appends the answer to the conversation
func (e *Executor) finish(ctx context.Context, logger zerolog.Logger, msg queue.RunMessage, terminal agent.Patch, elapsed time.Duration) {
	switch p := terminal.(type) {
	case agent.FinalPatch:
		e.metrics.ObserveFinished(string(models.RunStatusCompleted), "", elapsed)
		logger.Info().
			Dur("elapsed", elapsed).
			Int("response_length", len(p.ResponseContent)).
			Int("tool_outputs", len(p.ToolOutputs)).
			Int64("total_tokens", p.Tokens.TotalTokens).
			Msg("Agent run completed")

		model := e.input(msg).ModelName
		e.recordUsage(ctx, logger, msg, model, p.Tokens)
		e.saveTodos(ctx, logger, msg, p.Todos)

		if p.ResponseContent == "" {
			return
		}
		answer := models.Message{
			Role:    models.RoleAssistant,
			Content: p.ResponseContent,
			Metadata: &models.MessageMetadata{
				RunID:         msg.RunID,
				Model:         model,
				InputTokens:   p.Tokens.InputTokens,
				OutputTokens:  p.Tokens.OutputTokens,
				SearchResults: p.SearchResults,
				EmailDraft:    p.EmailDraft,
			},
		}
		if _, err := tryRun(retryPolicy{
			attempts: e.conf.StoreWriteAttempts,
			backoff:  e.conf.StoreWriteBackoff,
		}, func() error {
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.StoreWriteTimeout)
			defer cancel()
			return e.conversations.AppendMessage(wctx, msg.ConversationID, answer)
		}); err != nil {
			logger.Error().Err(err).Msg("Could not append assistant message to conversation")
		}

	case agent.ErrorPatch:
		e.metrics.ObserveFinished(string(models.RunStatusFailed), string(p.Code), elapsed)
		logger.Warn().
			Dur("elapsed", elapsed).
			Str("error_code", string(p.Code)).
			Str("error", p.Message).
			Msg("Agent run failed")

	default:
		run, err := e.store.Get(context.WithoutCancel(ctx), msg.RunID)
		if err != nil {
			return
		}
		e.metrics.ObserveFinished(string(run.Status), run.ErrorCode.String, elapsed)
	}
}

// recordUsage books what the run consumed. Failing to do so never fails the run.
func (e *Executor) recordUsage(ctx context.Context, logger zerolog.Logger, msg queue.RunMessage, model string, tokens agent.TokensPatch) {
	if tokens.InputTokens <= 0 && tokens.OutputTokens <= 0 {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.StoreWriteTimeout)
	defer cancel()
	err := e.usage.Record(wctx, msg.UserID, usage.Consumption{
		Model:        model,
		InputTokens:  tokens.InputTokens,
		OutputTokens: tokens.OutputTokens,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Could not record token usage")
	}
}

func (e *Executor) saveTodos(ctx context.Context, logger zerolog.Logger, msg queue.RunMessage, todos models.Todos) {
	if len(todos) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.StoreWriteTimeout)
	defer cancel()
	if err := e.conversations.SaveTodos(wctx, msg.ConversationID, msg.RunID, todos); err != nil {
		logger.Error().Err(err).Msg("Could not save todos to conversation")
	}
}

// sendHeartbeat tells the reconciler that the run is still being worked on. A run that turned
// terminal underneath us, e.g. cancelled, stops the agent.
func (e *Executor) sendHeartbeat(ctx context.Context, stop context.CancelFunc, logger zerolog.Logger, runID string) {
	if e.conf.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.store.Heartbeat(ctx, runID)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrTerminal):
				logger.Info().Msg("Run turned terminal while executing, stopping agent")
				stop()
				return
			default:
				logger.Error().
					Err(err).
					Msg("Could not update run heartbeat")
			}
		}
	}
}
