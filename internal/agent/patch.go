package agent

import (
	"agentrunner/internal/models"
)

// Patch is one incremental update of the run record produced by the driver. The set of
// implementations is closed: progress, todo, tool output, payload, tokens, final and error.
type Patch interface {
	isPatch()
	// Terminal reports whether the patch ends the run
	Terminal() bool
}

// ProgressPatch is sent when the node changes or a wait token is set or cleared
type ProgressPatch struct {
	Progress models.Progress
}

// TodoPatch carries the full todo list after an update
type TodoPatch struct {
	Todos models.Todos
}

// ToolOutputPatch carries the full tool log after an entry was appended
type ToolOutputPatch struct {
	ToolOutputs models.ToolOutputs
}

// PayloadPatch sets the fields that are not nil
type PayloadPatch struct {
	ResponseContent *string
	EmailDraft      *models.EmailDraft
	SearchResults   models.RawJSON
}

// TokensPatch holds cumulative token counts
type TokensPatch struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// FinalPatch completes the run with everything the agent produced
type FinalPatch struct {
	ResponseContent string
	EmailDraft      *models.EmailDraft
	SearchResults   models.RawJSON
	Todos           models.Todos
	ToolOutputs     models.ToolOutputs
	Tokens          TokensPatch
}

// ErrorPatch fails the run
type ErrorPatch struct {
	Code    models.ErrorCode
	Message string
}

func (ProgressPatch) isPatch()   {}
func (TodoPatch) isPatch()       {}
func (ToolOutputPatch) isPatch() {}
func (PayloadPatch) isPatch()    {}
func (TokensPatch) isPatch()     {}
func (FinalPatch) isPatch()      {}
func (ErrorPatch) isPatch()      {}

func (ProgressPatch) Terminal() bool   { return false }
func (TodoPatch) Terminal() bool       { return false }
func (ToolOutputPatch) Terminal() bool { return false }
func (PayloadPatch) Terminal() bool    { return false }
func (TokensPatch) Terminal() bool     { return false }
func (FinalPatch) Terminal() bool      { return true }
func (ErrorPatch) Terminal() bool      { return true }

// RunPatch converts the patch to the merge patch written to the store
func RunPatch(p Patch) models.RunPatch {
	switch p := p.(type) {
	case ProgressPatch:
		progress := p.Progress
		node := progress.CurrentNode
		return models.RunPatch{CurrentNode: &node, Progress: &progress}
	case TodoPatch:
		todos := p.Todos
		return models.RunPatch{Todos: &todos}
	case ToolOutputPatch:
		outputs := p.ToolOutputs
		return models.RunPatch{ToolOutputs: &outputs}
	case PayloadPatch:
		return models.RunPatch{
			ResponseContent: p.ResponseContent,
			EmailDraft:      p.EmailDraft,
			SearchResults:   p.SearchResults,
		}
	case TokensPatch:
		return p.runPatch()
	case FinalPatch:
		status := models.RunStatusCompleted
		node := string(models.RunStatusCompleted)
		content := p.ResponseContent
		todos := p.Todos
		outputs := p.ToolOutputs
		rp := p.Tokens.runPatch()
		rp.Status = &status
		rp.CurrentNode = &node
		rp.ResponseContent = &content
		rp.EmailDraft = p.EmailDraft
		rp.SearchResults = p.SearchResults
		if todos != nil {
			rp.Todos = &todos
		}
		if outputs != nil {
			rp.ToolOutputs = &outputs
		}
		return rp
	case ErrorPatch:
		rp := models.FailedPatch(p.Code, p.Message)
		node := string(models.RunStatusFailed)
		rp.CurrentNode = &node
		return rp
	default:
		panic("agent: unknown patch type")
	}
}

func (p TokensPatch) runPatch() models.RunPatch {
	in, out, total := p.InputTokens, p.OutputTokens, p.TotalTokens
	return models.RunPatch{InputTokens: &in, OutputTokens: &out, TotalTokens: &total}
}
