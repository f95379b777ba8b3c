package agent

import (
	"encoding/json"

	"agentrunner/internal/models"
)

// Event is one step reported by the agent
type Event interface {
	isEvent()
}

// NodeEntered reports the pipeline stage the agent is executing
type NodeEntered struct {
	Node string
}

// TodoUpdated carries the agent's current plan. Entries missing from Todos are kept as they were.
type TodoUpdated struct {
	Todos []models.Todo
}

// ToolCalled is emitted when the agent decides to invoke a tool
type ToolCalled struct {
	ToolName   string
	ToolCallID string
	Input      json.RawMessage
}

// ToolReturned is the outcome of a tool invocation
type ToolReturned struct {
	ToolName   string
	ToolCallID string
	Input      json.RawMessage
	Output     json.RawMessage
	Success    bool
	Error      string
}

// TextProduced is a partial or complete response from the model
type TextProduced struct {
	Content string
}

type EmailDrafted struct {
	Draft models.EmailDraft
}

type SearchResultsFound struct {
	Results json.RawMessage
}

// UsageReported holds token usage deltas since the previous report
type UsageReported struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Finished marks the end of the agent's work, optionally with its final answer
type Finished struct {
	Content string
}

func (NodeEntered) isEvent()        {}
func (TodoUpdated) isEvent()        {}
func (ToolCalled) isEvent()         {}
func (ToolReturned) isEvent()       {}
func (TextProduced) isEvent()       {}
func (EmailDrafted) isEvent()       {}
func (SearchResultsFound) isEvent() {}
func (UsageReported) isEvent()      {}
func (Finished) isEvent()           {}
