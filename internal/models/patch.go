package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

var (
	ErrTerminal         = errors.New("run is in a terminal state")
	ErrStatusRegression = errors.New("run status cannot move backwards")
	ErrAppendOnly       = errors.New("append-only log was rewritten")
	ErrTokenRegression  = errors.New("token counts cannot decrease")
)

// RunPatch is a merge patch against an AgentRun. Nil fields are left untouched, set fields
// replace the stored value wholesale, including the progress, todos and tool_outputs documents.
type RunPatch struct {
	Status          *RunStatus
	CurrentNode     *string
	Progress        *Progress
	Todos           *Todos
	ToolOutputs     *ToolOutputs
	SearchResults   RawJSON
	EmailDraft      *EmailDraft
	ResponseContent *string
	ErrorMessage    *string
	ErrorCode       *ErrorCode
	InputTokens     *int64
	OutputTokens    *int64
	TotalTokens     *int64
	ModelName       *string
}

// IsTerminal reports whether applying the patch ends the run
func (p RunPatch) IsTerminal() bool {
	return p.Status != nil && p.Status.IsTerminal()
}

// FailedPatch builds the patch that moves a run into the failed state
func FailedPatch(code ErrorCode, message string) RunPatch {
	status := RunStatusFailed
	return RunPatch{Status: &status, ErrorCode: &code, ErrorMessage: &message}
}

// CancelledPatch builds the patch an external actor writes to cancel a run
func CancelledPatch() RunPatch {
	status := RunStatusCancelled
	node := string(RunStatusCancelled)
	return RunPatch{Status: &status, CurrentNode: &node}
}

// Apply merges p into the run. The run is left unchanged when an invariant would be broken:
// terminal runs reject every patch, status only moves forward, todos and tool outputs only grow
// and token counts never decrease. started_at and completed_at are stamped on the first transition
// into running and into a terminal state respectively. Writers run on different hosts, so the stamp
// is now or the current updated_at, whichever is later, and updated_at never goes backwards.
func (r *AgentRun) Apply(p RunPatch, now time.Time) error {
	if now.Before(r.UpdatedAt) {
		now = r.UpdatedAt
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if err := r.validate(p); err != nil {
		return err
	}

	if p.CurrentNode != nil {
		r.CurrentNode = null.StringFrom(*p.CurrentNode)
	}
	if p.Progress != nil {
		r.Progress = p.Progress.clone()
	}
	if p.Todos != nil {
		r.Todos = AgentRun{Todos: *p.Todos}.Clone().Todos
	}
	if p.ToolOutputs != nil {
		r.ToolOutputs = AgentRun{ToolOutputs: *p.ToolOutputs}.Clone().ToolOutputs
	}
	if p.SearchResults != nil {
		r.SearchResults = p.SearchResults.clone()
	}
	if p.EmailDraft != nil {
		d := *p.EmailDraft
		r.EmailDraft = &d
	}
	if p.ResponseContent != nil {
		r.ResponseContent = null.StringFrom(*p.ResponseContent)
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = null.StringFrom(*p.ErrorMessage)
	}
	if p.ErrorCode != nil {
		r.ErrorCode = null.StringFrom(string(*p.ErrorCode))
	}
	if p.InputTokens != nil {
		r.InputTokens = *p.InputTokens
	}
	if p.OutputTokens != nil {
		r.OutputTokens = *p.OutputTokens
	}
	if p.TotalTokens != nil {
		r.TotalTokens = *p.TotalTokens
	}
	if p.ModelName != nil {
		r.ModelName = *p.ModelName
	}

	if p.Status != nil && *p.Status != r.Status {
		r.Status = *p.Status
		if r.Status == RunStatusRunning && !r.StartedAt.Valid {
			r.StartedAt = null.TimeFrom(now)
		}
		if r.Status.IsTerminal() && !r.CompletedAt.Valid {
			r.CompletedAt = null.TimeFrom(now)
		}
	}

	r.UpdatedAt = now
	return nil
}

func (r *AgentRun) validate(p RunPatch) error {
	var errs []error

	if p.Status != nil && !r.Status.CanTransitionTo(*p.Status) {
		errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, r.Status, *p.Status))
	}

	if p.Todos != nil {
		next := *p.Todos
		if len(next) < len(r.Todos) {
			errs = append(errs, fmt.Errorf("%w: todos shrank from %d to %d", ErrAppendOnly, len(r.Todos), len(next)))
		} else {
			for i, t := range r.Todos {
				if next[i].ID != t.ID {
					errs = append(errs, fmt.Errorf("%w: todo %d changed id from %q to %q", ErrAppendOnly, i, t.ID, next[i].ID))
					break
				}
			}
		}
	}

	if p.ToolOutputs != nil {
		next := *p.ToolOutputs
		if len(next) < len(r.ToolOutputs) {
			errs = append(errs, fmt.Errorf("%w: tool outputs shrank from %d to %d", ErrAppendOnly, len(r.ToolOutputs), len(next)))
		} else {
			for i, o := range r.ToolOutputs {
				n := next[i]
				if n.Kind != o.Kind || n.ToolCallID != o.ToolCallID || n.ToolName != o.ToolName {
					errs = append(errs, fmt.Errorf("%w: tool output %d was rewritten", ErrAppendOnly, i))
					break
				}
			}
		}
	}

	if p.InputTokens != nil && *p.InputTokens < r.InputTokens {
		errs = append(errs, fmt.Errorf("%w: input tokens %d < %d", ErrTokenRegression, *p.InputTokens, r.InputTokens))
	}
	if p.OutputTokens != nil && *p.OutputTokens < r.OutputTokens {
		errs = append(errs, fmt.Errorf("%w: output tokens %d < %d", ErrTokenRegression, *p.OutputTokens, r.OutputTokens))
	}
	if p.TotalTokens != nil && *p.TotalTokens < r.TotalTokens {
		errs = append(errs, fmt.Errorf("%w: total tokens %d < %d", ErrTokenRegression, *p.TotalTokens, r.TotalTokens))
	}

	return errors.Join(errs...)
}
