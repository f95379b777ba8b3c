package agent

import (
	"context"
	"errors"

	"agentrunner/internal/approval"
	"agentrunner/internal/models"
)

// ErrWaitTimeout is returned by Session.AwaitApproval when nobody resolved the wait token in time
var ErrWaitTimeout = errors.New("wait token expired")

// ErrStopped is returned by Session.Emit once the driver no longer accepts events, either because
// the run reached a terminal state or because a patch could not be persisted
var ErrStopped = errors.New("session stopped")

// Input is everything the agent needs for one run
type Input struct {
	RunID          string           `json:"runId"`
	ThreadID       string           `json:"threadId"`
	ConversationID string           `json:"conversationId"`
	UserID         string           `json:"userId"`
	Message        string           `json:"message"`
	ModelName      string           `json:"modelName"`
	ThinkingLevel  string           `json:"thinkingLevel"`
	History        []models.Message `json:"conversationHistory"`
}

// ApprovalRequest asks a human to allow a tool call before it proceeds
type ApprovalRequest struct {
	ToolName   string
	ToolCallID string
	Reason     string
}

// Session is handed to the agent for the duration of a run. Emit blocks until the event has been
// made durable so the agent never gets ahead of the record.
type Session interface {
	Emit(ctx context.Context, event Event) error
	AwaitApproval(ctx context.Context, req ApprovalRequest) (approval.Decision, error)
}

// Agent is the opaque reasoning capability. Run returns once the agent has nothing more to say;
// any returned error fails the run.
type Agent interface {
	Run(ctx context.Context, in Input, session Session) error
}

// AgentFunc adapts a plain function to the Agent interface
type AgentFunc func(ctx context.Context, in Input, session Session) error

func (f AgentFunc) Run(ctx context.Context, in Input, session Session) error {
	return f(ctx, in, session)
}
