package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/agent"
	"agentrunner/internal/approval"
	"agentrunner/internal/models"
)

// recorder collects the patches handed to apply
type recorder struct {
	mu      sync.Mutex
	patches []agent.Patch
	failOn  int // 1-based index of the patch to reject, 0 never
	onPatch func(agent.Patch)
}

func (r *recorder) apply(_ context.Context, p agent.Patch) error {
	r.mu.Lock()
	r.patches = append(r.patches, p)
	n := len(r.patches)
	hook := r.onPatch
	r.mu.Unlock()

	if r.failOn == n {
		return errors.New("store unavailable")
	}
	if hook != nil {
		hook(p)
	}
	return nil
}

func (r *recorder) all() []agent.Patch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Patch(nil), r.patches...)
}

func (r *recorder) terminal(t *testing.T) agent.Patch {
	t.Helper()
	var terminals []agent.Patch
	for _, p := range r.all() {
		if p.Terminal() {
			terminals = append(terminals, p)
		}
	}
	require.Len(t, terminals, 1, "expected exactly one terminal patch")
	last := r.all()[len(r.all())-1]
	assert.True(t, last.Terminal(), "terminal patch must be the last one")
	return terminals[0]
}

func input() agent.Input {
	return agent.Input{
		RunID:          "run-1",
		ThreadID:       "u1-c1",
		ConversationID: "c1",
		UserID:         "u1",
		Message:        "find textile companies in Quito",
		ModelName:      "gemini-2.5-flash",
		ThinkingLevel:  "high",
	}
}

func newDriver(a agent.Agent) *agent.Driver {
	return agent.NewDriver(a, approval.NewMemoryBroker(), time.Second)
}

func TestDriver_HappyPath(t *testing.T) {
	a := agent.AgentFunc(func(ctx context.Context, in agent.Input, s agent.Session) error {
		events := []agent.Event{
			agent.NodeEntered{Node: "think"},
			agent.NodeEntered{Node: "think"},
			agent.TodoUpdated{Todos: []models.Todo{{ID: "1", Description: "search companies"}, {ID: "2", Description: "draft email"}}},
			agent.ToolCalled{ToolName: "search_companies", ToolCallID: "call-1", Input: json.RawMessage(`{"query":"textile"}`)},
			agent.ToolCalled{ToolName: "search_companies", ToolCallID: "call-1", Input: json.RawMessage(`{"query":"textile"}`)},
			agent.NodeEntered{Node: "execute_tools"},
			agent.ToolReturned{ToolName: "search_companies", ToolCallID: "call-1", Success: true, Output: json.RawMessage(`{"result":[{"name":"Textiles SA"}]}`)},
			agent.ToolReturned{ToolName: "search_companies", ToolCallID: "call-1", Success: true, Output: json.RawMessage(`{"result":[{"name":"Textiles SA"}]}`)},
			agent.TodoUpdated{Todos: []models.Todo{{ID: "1", Description: "search companies", Status: "completed"}}},
			agent.UsageReported{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
			agent.UsageReported{InputTokens: 50, OutputTokens: 10, TotalTokens: 60},
			agent.EmailDrafted{Draft: models.EmailDraft{Subject: "Hola", Body: "Estimado..."}},
			agent.TextProduced{Content: "[STATE_EVENT]{\"x\":1}[/STATE_EVENT]Found one textile company in Quito."},
			agent.Finished{},
		}
		for _, ev := range events {
			if err := s.Emit(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})

	rec := &recorder{}
	require.NoError(t, newDriver(a).Drive(context.Background(), input(), rec.apply))

	var nodes []string
	var callPatches, todoPatches int
	for _, p := range rec.all() {
		switch p := p.(type) {
		case agent.ProgressPatch:
			nodes = append(nodes, p.Progress.CurrentNode)
		case agent.ToolOutputPatch:
			callPatches++
		case agent.TodoPatch:
			todoPatches++
		}
	}
	assert.Equal(t, []string{"think", "execute_tools"}, nodes, "progress only on node change")
	assert.Equal(t, 2, callPatches, "duplicate tool events are dropped")
	assert.Equal(t, 2, todoPatches)

	final, ok := rec.terminal(t).(agent.FinalPatch)
	require.True(t, ok)
	assert.Equal(t, "Found one textile company in Quito.", final.ResponseContent)
	assert.JSONEq(t, `[{"name":"Textiles SA"}]`, string(final.SearchResults))
	require.NotNil(t, final.EmailDraft)
	assert.Equal(t, "Hola", final.EmailDraft.Subject)
	assert.Equal(t, agent.TokensPatch{InputTokens: 150, OutputTokens: 30, TotalTokens: 180}, final.Tokens)

	require.Len(t, final.ToolOutputs, 2)
	assert.Equal(t, models.ToolCall, final.ToolOutputs[0].Kind)
	assert.Equal(t, models.ToolResult, final.ToolOutputs[1].Kind)
	assert.Equal(t, "call-1", final.ToolOutputs[1].ToolCallID)

	require.Len(t, final.Todos, 2, "todos missing from an update are kept")
	assert.Equal(t, "1", final.Todos[0].ID)
	assert.Equal(t, models.TodoCompleted, final.Todos[0].Status)
	assert.NotNil(t, final.Todos[0].CompletedAt)
	assert.Equal(t, models.TodoPending, final.Todos[1].Status)
}

func TestDriver_PatchesApplyCleanly(t *testing.T) {
	// every patch the driver emits must be accepted by the record in emission order
	a := agent.AgentFunc(func(ctx context.Context, in agent.Input, s agent.Session) error {
		for _, ev := range []agent.Event{
			agent.NodeEntered{Node: "think"},
			agent.ToolCalled{ToolName: "lookup", ToolCallID: "a"},
			agent.ToolReturned{ToolName: "lookup", ToolCallID: "a", Success: false, Error: "timeout"},
			agent.TodoUpdated{Todos: []models.Todo{{ID: "1", Description: "one"}}},
			agent.TodoUpdated{Todos: []models.Todo{{ID: "2", Description: "two"}, {ID: "1", Description: "one", Status: "in_progress"}}},
			agent.UsageReported{InputTokens: 5, TotalTokens: 5},
			agent.TextProduced{Content: "The lookup failed but here is an answer anyway."},
		} {
			if err := s.Emit(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})

	run := models.NewPendingRun("run-1", "u1-c1", "c1", "u1", "m", "high", time.Now().UTC())
	require.NoError(t, run.Apply(models.RunPatch{Status: ptr(models.RunStatusRunning)}, time.Now().UTC()))

	err := newDriver(a).Drive(context.Background(), input(), func(_ context.Context, p agent.Patch) error {
		return run.Apply(agent.RunPatch(p), time.Now().UTC())
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status, "a failed tool call does not fail the run")
	assert.Equal(t, "completed", run.CurrentNode.String)
	assert.Equal(t, "The lookup failed but here is an answer anyway.", run.ResponseContent.String)
	require.Len(t, run.ToolOutputs, 2)
	require.NotNil(t, run.ToolOutputs[1].Success)
	assert.False(t, *run.ToolOutputs[1].Success)
	assert.Equal(t, "timeout", run.ToolOutputs[1].Error)
	require.Len(t, run.Todos, 2)
	assert.Equal(t, []string{"1", "2"}, []string{run.Todos[0].ID, run.Todos[1].ID})
	assert.Equal(t, models.TodoInProgress, run.Todos[0].Status)
	assert.Equal(t, int64(5), run.TotalTokens)
}

func TestDriver_Failures(t *testing.T) {
	tests := []struct {
		name        string
		agent       agent.AgentFunc
		ctx         func() (context.Context, context.CancelFunc)
		wantCode    models.ErrorCode
		wantMessage string
	}{
		{
			name: "agent error",
			agent: func(ctx context.Context, in agent.Input, s agent.Session) error {
				_ = s.Emit(ctx, agent.NodeEntered{Node: "think"})
				return errors.New("model overloaded")
			},
			wantCode:    models.ErrCodeAgent,
			wantMessage: "model overloaded",
		},
		{
			name: "agent panic",
			agent: func(ctx context.Context, in agent.Input, s agent.Session) error {
				panic("nil map")
			},
			wantCode:    models.ErrCodePanic,
			wantMessage: "agent panicked: nil map",
		},
		{
			name: "max duration",
			agent: func(ctx context.Context, in agent.Input, s agent.Session) error {
				<-ctx.Done()
				return ctx.Err()
			},
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 20*time.Millisecond)
			},
			wantCode:    models.ErrCodeMaxDuration,
			wantMessage: "maximum duration",
		},
		{
			name: "caller stops the run",
			agent: func(ctx context.Context, in agent.Input, s agent.Session) error {
				<-ctx.Done()
				return ctx.Err()
			},
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(20*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantCode:    models.ErrCodeInterrupted,
			wantMessage: models.InterruptedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			rec := &recorder{}
			require.NoError(t, newDriver(tt.agent).Drive(ctx, input(), rec.apply))

			failure, ok := rec.terminal(t).(agent.ErrorPatch)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, failure.Code)
			assert.Contains(t, failure.Message, tt.wantMessage)
		})
	}
}

func TestDriver_Approval(t *testing.T) {
	t.Run("decision resumes the run", func(t *testing.T) {
		broker := approval.NewMemoryBroker()
		var decision approval.Decision

		a := agent.AgentFunc(func(ctx context.Context, in agent.Input, s agent.Session) error {
			if err := s.Emit(ctx, agent.NodeEntered{Node: "send_email"}); err != nil {
				return err
			}
			var err error
			decision, err = s.AwaitApproval(ctx, agent.ApprovalRequest{ToolName: "send_email", ToolCallID: "call-9", Reason: "sends an email"})
			return err
		})

		rec := &recorder{}
		rec.onPatch = func(p agent.Patch) {
			if pp, ok := p.(agent.ProgressPatch); ok && pp.Progress.WaitToken != nil {
				go func() {
					_ = broker.Complete(context.Background(), pp.Progress.WaitToken.TokenID, "u1", approval.Decision{Approved: true})
				}()
			}
		}

		require.NoError(t, agent.NewDriver(a, broker, time.Second).Drive(context.Background(), input(), rec.apply))
		assert.True(t, decision.Approved)

		patches := rec.all()
		require.Len(t, patches, 4)
		waiting := patches[1].(agent.ProgressPatch)
		require.NotNil(t, waiting.Progress.WaitToken)
		assert.Equal(t, "send_email", waiting.Progress.WaitToken.ToolName)
		assert.Equal(t, "call-9", waiting.Progress.WaitToken.ToolCallID)
		assert.Equal(t, "send_email", waiting.Progress.CurrentNode)

		resumed := patches[2].(agent.ProgressPatch)
		assert.Nil(t, resumed.Progress.WaitToken)
		assert.IsType(t, agent.FinalPatch{}, patches[3])
	})

	t.Run("timeout fails the run", func(t *testing.T) {
		var emitErr error
		a := agent.AgentFunc(func(ctx context.Context, in agent.Input, s agent.Session) error {
			_, err := s.AwaitApproval(ctx, agent.ApprovalRequest{ToolName: "send_email", ToolCallID: "call-9"})
			assert.ErrorIs(t, err, agent.ErrWaitTimeout)
			// an agent that ignores the timeout still cannot make progress
			emitErr = s.Emit(ctx, agent.NodeEntered{Node: "after"})
			return nil
		})

		rec := &recorder{}
		driver := agent.NewDriver(a, approval.NewMemoryBroker(), 30*time.Millisecond)
		require.NoError(t, driver.Drive(context.Background(), input(), rec.apply))
		assert.ErrorIs(t, emitErr, agent.ErrWaitTimeout)

		failure, ok := rec.terminal(t).(agent.ErrorPatch)
		require.True(t, ok)
		assert.Equal(t, models.ErrCodeWaitTimeout, failure.Code)
		assert.True(t, strings.HasPrefix(failure.Message, models.WaitTimeoutMessage))

		patches := rec.all()
		cleared := patches[len(patches)-2].(agent.ProgressPatch)
		assert.Nil(t, cleared.Progress.WaitToken, "wait token is cleared before failing")
	})
}

func TestDriver_StopsWhenApplyFails(t *testing.T) {
	var emitErrs []error
	a := agent.AgentFunc(func(ctx context.Context, in agent.Input, s agent.Session) error {
		for _, node := range []string{"a", "b", "c"} {
			emitErrs = append(emitErrs, s.Emit(ctx, agent.NodeEntered{Node: node}))
		}
		return nil
	})

	rec := &recorder{failOn: 2}
	err := newDriver(a).Drive(context.Background(), input(), rec.apply)
	require.Error(t, err)

	assert.Len(t, rec.all(), 2, "nothing is applied after a failed write")
	assert.NoError(t, emitErrs[0])
	assert.Error(t, emitErrs[1])
	assert.ErrorIs(t, emitErrs[2], agent.ErrStopped)
}

func TestDriver_EmitAfterFinish(t *testing.T) {
	var leaked agent.Session
	a := agent.AgentFunc(func(ctx context.Context, in agent.Input, s agent.Session) error {
		leaked = s
		return nil
	})

	rec := &recorder{}
	require.NoError(t, newDriver(a).Drive(context.Background(), input(), rec.apply))
	assert.ErrorIs(t, leaked.Emit(context.Background(), agent.NodeEntered{Node: "late"}), agent.ErrStopped)
	assert.Len(t, rec.all(), 1)
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain answer", "plain answer"},
		{"  padded  ", "padded"},
		{"[object Object],[object Object]Answer", "Answer"},
		{"Before [STATE_EVENT]{\n\"a\": 1\n}[/STATE_EVENT] after", "Before  after"},
		{"[AGENT_PLAN]1. search\n2. draft[/AGENT_PLAN]Result", "Result"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, agent.CleanResponse(tt.in))
	}
}

func TestRunPatch(t *testing.T) {
	rp := agent.RunPatch(agent.ErrorPatch{Code: models.ErrCodeAgent, Message: "boom"})
	require.NotNil(t, rp.Status)
	assert.Equal(t, models.RunStatusFailed, *rp.Status)
	assert.Equal(t, "boom", *rp.ErrorMessage)
	assert.Equal(t, models.ErrCodeAgent, *rp.ErrorCode)

	rp = agent.RunPatch(agent.ProgressPatch{Progress: models.Progress{CurrentNode: "think"}})
	assert.Nil(t, rp.Status)
	assert.Equal(t, "think", *rp.CurrentNode)

	rp = agent.RunPatch(agent.FinalPatch{ResponseContent: "done", Tokens: agent.TokensPatch{TotalTokens: 3}})
	assert.Equal(t, models.RunStatusCompleted, *rp.Status)
	assert.Equal(t, int64(3), *rp.TotalTokens)
}

func ptr[T any](v T) *T {
	return &v
}
