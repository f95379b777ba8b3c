package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/approval"
	"agentrunner/internal/models"
)

// SearchCompaniesTool is the tool whose successful results are surfaced as the run's search results
const SearchCompaniesTool = "search_companies"

// minResponseLength filters out fragments too short to be an answer
const minResponseLength = 10

var responseNoise = []*regexp.Regexp{
	regexp.MustCompile(`\[object Object\],?`),
	regexp.MustCompile(`(?s)\[STATE_EVENT\].*?\[/STATE_EVENT\]`),
	regexp.MustCompile(`(?s)\[AGENT_PLAN\].*?\[/AGENT_PLAN\]`),
}

// CleanResponse strips the internal markers the agent leaves in its text
func CleanResponse(content string) string {
	for _, re := range responseNoise {
		content = re.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// ApplyFunc persists a patch. The driver waits for it to return before going on.
type ApplyFunc func(ctx context.Context, p Patch) error

// Driver adapts the step events of an Agent into an ordered sequence of patches
type Driver struct {
	agent       Agent
	broker      approval.Broker
	waitTimeout time.Duration
	now         func() time.Time
}

func NewDriver(agent Agent, broker approval.Broker, waitTimeout time.Duration) *Driver {
	return &Driver{
		agent:       agent,
		broker:      broker,
		waitTimeout: waitTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Drive runs the agent for one input and hands every resulting patch to apply, in order. Agent
// failures of any kind end in a single ErrorPatch, successful runs in a single FinalPatch. The
// returned error is non-nil only when apply failed, in which case no terminal patch may have been
// persisted.
func (d *Driver) Drive(ctx context.Context, in Input, apply ApplyFunc) error {
	s := &session{
		driver:  d,
		input:   in,
		apply:   apply,
		calls:   make(map[string]struct{}),
		results: make(map[string]struct{}),
		todos:   models.Todos{},
		outputs: models.ToolOutputs{},
	}

	runErr := d.run(ctx, in, s)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyErr != nil {
		s.stopped = true
		return s.applyErr
	}

	terminal := s.terminalPatch(ctx, runErr)
	if _, failed := terminal.(ErrorPatch); failed && s.progress.WaitToken != nil {
		// the pending approval is void once the run fails
		if err := s.send(ctx, ProgressPatch{Progress: models.Progress{CurrentNode: s.node, Timestamp: d.now()}}); err != nil {
			s.stopped = true
			return err
		}
	}

	err := s.send(ctx, terminal)
	s.stopped = true
	return err
}

// run calls the agent and turns panics into errors
func (d *Driver) run(ctx context.Context, in Input, s *session) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().
				Interface("panic", rcv).
				Str("run_id", in.RunID).
				Bytes("stack", debug.Stack()).
				Msg("Agent panicked")
			err = &PanicError{Value: rcv}
		}
	}()

	return d.agent.Run(ctx, in, s)
}

// PanicError wraps a value recovered from a panicking agent
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("agent panicked: %v", e.Value)
}

type session struct {
	driver *Driver
	input  Input
	apply  ApplyFunc

	mu       sync.Mutex
	node     string
	progress models.Progress
	todos    models.Todos
	outputs  models.ToolOutputs
	calls    map[string]struct{}
	results  map[string]struct{}
	search   models.RawJSON
	draft    *models.EmailDraft
	response string
	tokens   TokensPatch

	timedOut *models.WaitToken
	applyErr error
	stopped  bool
}

func (s *session) Emit(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	now := s.driver.now()
	switch ev := event.(type) {
	case NodeEntered:
		if ev.Node == "" || ev.Node == s.node {
			return nil
		}
		log.Info().
			Str("run_id", s.input.RunID).
			Str("from", s.node).
			Str("node", ev.Node).
			Msg("Node transition")
		s.node = ev.Node
		return s.send(ctx, ProgressPatch{Progress: models.Progress{CurrentNode: ev.Node, Timestamp: now}})

	case TodoUpdated:
		s.mergeTodos(ev.Todos, now)
		return s.send(ctx, TodoPatch{Todos: s.todosSnapshot()})

	case ToolCalled:
		id := toolCallID(ev.ToolCallID, ev.ToolName, now)
		if _, seen := s.calls[id]; seen {
			return nil
		}
		s.calls[id] = struct{}{}
		s.outputs = append(s.outputs, models.ToolOutput{
			Kind:       models.ToolCall,
			ToolName:   ev.ToolName,
			ToolCallID: id,
			Input:      models.RawJSON(ev.Input),
			Timestamp:  now,
		})
		return s.send(ctx, ToolOutputPatch{ToolOutputs: s.outputsSnapshot()})

	case ToolReturned:
		id := toolCallID(ev.ToolCallID, ev.ToolName, now)
		if _, seen := s.results[id]; seen {
			return nil
		}
		s.results[id] = struct{}{}
		success := ev.Success
		s.outputs = append(s.outputs, models.ToolOutput{
			Kind:       models.ToolResult,
			ToolName:   ev.ToolName,
			ToolCallID: id,
			Input:      models.RawJSON(ev.Input),
			Output:     models.RawJSON(ev.Output),
			Success:    &success,
			Error:      ev.Error,
			Timestamp:  now,
		})
		log.Info().
			Str("run_id", s.input.RunID).
			Str("tool", ev.ToolName).
			Str("tool_call_id", id).
			Bool("success", ev.Success).
			Msg("Tool execution tracked")
		if err := s.send(ctx, ToolOutputPatch{ToolOutputs: s.outputsSnapshot()}); err != nil {
			return err
		}

		if ev.ToolName == SearchCompaniesTool && ev.Success {
			if results := resultField(ev.Output); results != nil {
				s.search = results
				return s.send(ctx, PayloadPatch{SearchResults: results})
			}
		}
		return nil

	case TextProduced:
		return s.setResponse(ctx, ev.Content)

	case EmailDrafted:
		draft := ev.Draft
		s.draft = &draft
		return s.send(ctx, PayloadPatch{EmailDraft: &draft})

	case SearchResultsFound:
		if len(ev.Results) == 0 {
			return nil
		}
		s.search = models.RawJSON(ev.Results)
		return s.send(ctx, PayloadPatch{SearchResults: s.search})

	case UsageReported:
		if ev.InputTokens <= 0 && ev.OutputTokens <= 0 && ev.TotalTokens <= 0 {
			return nil
		}
		s.tokens.InputTokens += max(ev.InputTokens, 0)
		s.tokens.OutputTokens += max(ev.OutputTokens, 0)
		s.tokens.TotalTokens += max(ev.TotalTokens, 0)
		return s.send(ctx, s.tokens)

	case Finished:
		if ev.Content == "" {
			return nil
		}
		return s.setResponse(ctx, ev.Content)

	default:
		return fmt.Errorf("unsupported event %T", event)
	}
}

// AwaitApproval publishes a wait token on the run and blocks until it is resolved or the wait
// timeout passes. Events are rejected while waiting.
func (s *session) AwaitApproval(ctx context.Context, req ApprovalRequest) (approval.Decision, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return approval.Decision{}, err
	}

	token := models.WaitToken{
		TokenID:    uuid.NewString(),
		ToolName:   req.ToolName,
		ToolCallID: req.ToolCallID,
		Reason:     req.Reason,
		CreatedAt:  s.driver.now(),
	}
	if err := s.driver.broker.Open(ctx, token.TokenID, s.input.UserID); err != nil {
		s.mu.Unlock()
		return approval.Decision{}, fmt.Errorf("could not open wait token: %w", err)
	}
	if err := s.send(ctx, ProgressPatch{Progress: models.Progress{
		CurrentNode: s.node,
		Timestamp:   token.CreatedAt,
		WaitToken:   &token,
	}}); err != nil {
		s.mu.Unlock()
		return approval.Decision{}, err
	}
	log.Info().
		Str("run_id", s.input.RunID).
		Str("token_id", token.TokenID).
		Str("tool", req.ToolName).
		Msg("Waiting for approval")

	// keep the lock so nothing is emitted while the run is paused
	defer s.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, s.driver.waitTimeout)
	defer cancel()

	decision, err := s.driver.broker.Wait(waitCtx, token.TokenID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.timedOut = &token
			log.Warn().
				Str("run_id", s.input.RunID).
				Str("token_id", token.TokenID).
				Dur("timeout", s.driver.waitTimeout).
				Msg("Approval wait expired")
			return approval.Decision{}, fmt.Errorf("%w: %s", ErrWaitTimeout, token.TokenID)
		}
		return approval.Decision{}, err
	}

	if err := s.send(ctx, ProgressPatch{Progress: models.Progress{CurrentNode: s.node, Timestamp: s.driver.now()}}); err != nil {
		return approval.Decision{}, err
	}
	return decision, nil
}

// usable must be called with the lock held
func (s *session) usable() error {
	switch {
	case s.stopped || s.applyErr != nil:
		return ErrStopped
	case s.timedOut != nil:
		return fmt.Errorf("%w: %s", ErrWaitTimeout, s.timedOut.TokenID)
	}
	return nil
}

// send must be called with the lock held
func (s *session) send(ctx context.Context, p Patch) error {
	if s.applyErr != nil {
		return ErrStopped
	}
	if pp, ok := p.(ProgressPatch); ok {
		s.progress = pp.Progress
	}
	if err := s.apply(ctx, p); err != nil {
		s.applyErr = err
		return err
	}
	return nil
}

func (s *session) setResponse(ctx context.Context, content string) error {
	if len(content) <= minResponseLength {
		return nil
	}
	cleaned := CleanResponse(content)
	if cleaned == "" || cleaned == s.response {
		return nil
	}
	s.response = cleaned
	return s.send(ctx, PayloadPatch{ResponseContent: &cleaned})
}

// mergeTodos updates known entries in place and appends new ones. Entries are never removed.
func (s *session) mergeTodos(incoming []models.Todo, now time.Time) {
	index := make(map[string]int, len(s.todos))
	for i, t := range s.todos {
		index[t.ID] = i
	}

	for i, t := range incoming {
		if t.ID == "" {
			t.ID = fmt.Sprint(i)
		}
		if strings.TrimSpace(t.Description) == "" {
			continue
		}
		t.Status = models.NormalizeTodoStatus(string(t.Status))
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.CompletedAt == nil && t.Status == models.TodoCompleted {
			ts := now
			t.CompletedAt = &ts
		}

		if pos, ok := index[t.ID]; ok {
			existing := &s.todos[pos]
			existing.Status = t.Status
			existing.Description = t.Description
			existing.CompletedAt = t.CompletedAt
			existing.ErrorMessage = t.ErrorMessage
			continue
		}
		index[t.ID] = len(s.todos)
		s.todos = append(s.todos, t)
	}
}

func (s *session) todosSnapshot() models.Todos {
	return models.AgentRun{Todos: s.todos}.Clone().Todos
}

func (s *session) outputsSnapshot() models.ToolOutputs {
	return models.AgentRun{ToolOutputs: s.outputs}.Clone().ToolOutputs
}

// terminalPatch decides how the run ends, must be called with the lock held
func (s *session) terminalPatch(ctx context.Context, runErr error) Patch {
	var panicErr *PanicError
	switch {
	case s.timedOut != nil:
		return ErrorPatch{
			Code: models.ErrCodeWaitTimeout,
			Message: fmt.Sprintf("%s: no decision for %s within %s",
				models.WaitTimeoutMessage, s.timedOut.ToolName, s.driver.waitTimeout),
		}
	case errors.As(runErr, &panicErr):
		return ErrorPatch{Code: models.ErrCodePanic, Message: panicErr.Error()}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrorPatch{Code: models.ErrCodeMaxDuration, Message: "run exceeded its maximum duration"}
	case errors.Is(ctx.Err(), context.Canceled):
		// an external cancellation never gets here, its write is rejected as terminal
		return ErrorPatch{Code: models.ErrCodeInterrupted, Message: models.InterruptedMessage}
	case runErr != nil:
		return ErrorPatch{Code: models.ErrCodeAgent, Message: runErr.Error()}
	}

	return FinalPatch{
		ResponseContent: s.response,
		EmailDraft:      s.draft,
		SearchResults:   s.search,
		Todos:           s.todosSnapshot(),
		ToolOutputs:     s.outputsSnapshot(),
		Tokens:          s.tokens,
	}
}

func toolCallID(id, toolName string, now time.Time) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", toolName, now.UnixNano())
}

// resultField extracts the `result` member of a tool output, nil when absent
func resultField(output json.RawMessage) models.RawJSON {
	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(output, &wrapper); err != nil {
		return nil
	}
	if len(wrapper.Result) == 0 || string(wrapper.Result) == "null" {
		return nil
	}
	return models.RawJSON(wrapper.Result)
}
