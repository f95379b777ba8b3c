package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the models stored in the `agent_runs` table

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Valid checks that the status is one of the known values
func (s RunStatus) Valid() bool {
	return s == RunStatusPending || s.rank() > 0
}

func (s RunStatus) rank() int {
	switch s {
	case RunStatusRunning:
		return 1
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return 2
	default:
		return 0
	}
}

// SupersededBy reports whether the snapshot r is older than current. Status decides first since it
// only moves forward, so a terminal snapshot is never older than a non-terminal one whatever the
// writers' clocks say.
func (r AgentRun) SupersededBy(current AgentRun) bool {
	if r.Status.rank() != current.Status.rank() {
		return r.Status.rank() < current.Status.rank()
	}
	return r.UpdatedAt.Before(current.UpdatedAt)
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic. Terminal
// states never transition, and staying in the same non-terminal state is allowed.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// ErrorCode classifies why a run ended up failed so clients can pick a recovery action
type ErrorCode string

const (
	ErrCodeAgent       ErrorCode = "agent_error"
	ErrCodeWaitTimeout ErrorCode = "wait_timeout"
	ErrCodeMaxDuration ErrorCode = "max_duration"
	ErrCodeStoreWrite  ErrorCode = "store_write"
	ErrCodeTrigger     ErrorCode = "trigger"
	ErrCodeOrphaned    ErrorCode = "orphaned"
	ErrCodePanic       ErrorCode = "panic"
	ErrCodeInterrupted ErrorCode = "interrupted"
)

// InterruptedMessage is the error message of runs stopped by a worker shutdown
const InterruptedMessage = "worker shut down while the run was executing"

// WaitTimeoutMessage prefixes the error message of runs that timed out waiting for approval
const WaitTimeoutMessage = "esperando aprobación expiró"

// AgentRun is a models representing the `agent_runs` table. One row is one asynchronous
// execution of the agent for a single user message.
type AgentRun struct {
	ID              string      `db:"id" json:"id"`
	ThreadID        string      `db:"thread_id" json:"thread_id"`
	ConversationID  string      `db:"conversation_id" json:"conversation_id"`
	UserID          string      `db:"user_id" json:"user_id"`
	Status          RunStatus   `db:"status" json:"status"`
	CurrentNode     null.String `db:"current_node" json:"current_node"`
	Progress        Progress    `db:"progress" json:"progress"`
	Todos           Todos       `db:"todos" json:"todos"`
	ToolOutputs     ToolOutputs `db:"tool_outputs" json:"tool_outputs"`
	SearchResults   RawJSON     `db:"search_results" json:"search_results"`
	EmailDraft      *EmailDraft `db:"email_draft" json:"email_draft"`
	ResponseContent null.String `db:"response_content" json:"response_content"`
	ErrorMessage    null.String `db:"error_message" json:"error_message"`
	ErrorCode       null.String `db:"error_code" json:"error_code"`
	InputTokens     int64       `db:"input_tokens" json:"input_tokens"`
	OutputTokens    int64       `db:"output_tokens" json:"output_tokens"`
	TotalTokens     int64       `db:"total_tokens" json:"total_tokens"`
	ModelName       string      `db:"model_name" json:"model_name"`
	ThinkingLevel   string      `db:"thinking_level" json:"thinking_level"`
	StartedAt       null.Time   `db:"started_at" json:"started_at"`
	CompletedAt     null.Time   `db:"completed_at" json:"completed_at"`
	LastHeartbeat   null.Time   `db:"last_heartbeat" json:"last_heartbeat"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// NewPendingRun builds the initial record inserted by the launcher
func NewPendingRun(id, threadID, conversationID, userID, modelName, thinkingLevel string, now time.Time) AgentRun {
	return AgentRun{
		ID:             id,
		ThreadID:       threadID,
		ConversationID: conversationID,
		UserID:         userID,
		Status:         RunStatusPending,
		Progress:       Progress{CurrentNode: "pending", Timestamp: now},
		Todos:          Todos{},
		ToolOutputs:    ToolOutputs{},
		ModelName:      modelName,
		ThinkingLevel:  thinkingLevel,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so callers can hand out snapshots without sharing slices
func (r AgentRun) Clone() AgentRun {
	c := r
	c.Progress = r.Progress.clone()
	if r.Todos != nil {
		c.Todos = make(Todos, len(r.Todos))
		for i, t := range r.Todos {
			c.Todos[i] = t.clone()
		}
	}
	if r.ToolOutputs != nil {
		c.ToolOutputs = make(ToolOutputs, len(r.ToolOutputs))
		for i, o := range r.ToolOutputs {
			c.ToolOutputs[i] = o.clone()
		}
	}
	c.SearchResults = r.SearchResults.clone()
	if r.EmailDraft != nil {
		d := *r.EmailDraft
		c.EmailDraft = &d
	}
	return c
}

// Progress is the `progress` jsonb column
type Progress struct {
	CurrentNode string     `json:"currentNode"`
	Timestamp   time.Time  `json:"timestamp"`
	WaitToken   *WaitToken `json:"waitToken,omitempty"`
}

func (p Progress) clone() Progress {
	if p.WaitToken != nil {
		wt := *p.WaitToken
		p.WaitToken = &wt
	}
	return p
}

// WaitToken is present on the progress while the run is paused for a human decision
type WaitToken struct {
	TokenID    string    `json:"tokenId"`
	ToolName   string    `json:"toolName"`
	ToolCallID string    `json:"toolCallId"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
}

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
)

// NormalizeTodoStatus maps unknown values to pending
func NormalizeTodoStatus(s string) TodoStatus {
	switch v := TodoStatus(s); v {
	case TodoPending, TodoInProgress, TodoCompleted, TodoFailed:
		return v
	default:
		return TodoPending
	}
}

// Todo is a plan item the agent keeps about its own remaining work
type Todo struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       TodoStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func (t Todo) clone() Todo {
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		t.CompletedAt = &ts
	}
	return t
}

type Todos []Todo

type ToolOutputKind string

const (
	ToolCall   ToolOutputKind = "tool_call"
	ToolResult ToolOutputKind = "tool_result"
)

// ToolOutput is one entry of the append-only tool audit log
type ToolOutput struct {
	Kind       ToolOutputKind `json:"kind"`
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"toolCallId"`
	Input      RawJSON        `json:"input,omitempty"`
	Output     RawJSON        `json:"output,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (o ToolOutput) clone() ToolOutput {
	o.Input = o.Input.clone()
	o.Output = o.Output.clone()
	if o.Success != nil {
		s := *o.Success
		o.Success = &s
	}
	return o
}

type ToolOutputs []ToolOutput

// EmailDraft is the `email_draft` jsonb column
type EmailDraft struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	ToName      string `json:"toName,omitempty"`
	ToEmail     string `json:"toEmail,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
}

// LastSeen is the last sign of life of the run, used to decide whether it has been abandoned
func (r AgentRun) LastSeen() time.Time {
	if r.LastHeartbeat.Valid && r.LastHeartbeat.Time.After(r.UpdatedAt) {
		return r.LastHeartbeat.Time
	}
	return r.UpdatedAt
}
