package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/models"
)

// maxEventSize bounds one NDJSON line, search results can be large
const maxEventSize = 8 << 20

// HTTPAgent drives a remote agent service. The service receives the Input on POST /runs and
// answers with a newline delimited JSON stream of step events. Approval decisions are posted back
// to /runs/{runId}/approvals/{toolCallId}.
type HTTPAgent struct {
	client  *resty.Client
	timeout time.Duration
}

// NewHTTPAgent creates an agent talking to baseURL. timeout bounds the control requests; the event
// stream itself lives as long as the run context.
func NewHTTPAgent(baseURL string, timeout time.Duration) *HTTPAgent {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/x-ndjson").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))

	return &HTTPAgent{client: client, timeout: timeout}
}

// wireEvent is the envelope of every line of the event stream
type wireEvent struct {
	Type       string             `json:"type"`
	Node       string             `json:"node,omitempty"`
	Todos      []models.Todo      `json:"todos,omitempty"`
	ToolName   string             `json:"toolName,omitempty"`
	ToolCallID string             `json:"toolCallId,omitempty"`
	Input      json.RawMessage    `json:"input,omitempty"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Success    bool               `json:"success,omitempty"`
	Error      string             `json:"error,omitempty"`
	Content    string             `json:"content,omitempty"`
	Draft      *models.EmailDraft `json:"draft,omitempty"`
	Results    json.RawMessage    `json:"results,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Message    string             `json:"message,omitempty"`

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`
}

// RemoteError is reported by the agent service through an error event or an error status
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent service returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent service failed: %s", e.Message)
}

func (a *HTTPAgent) Run(ctx context.Context, in Input, session Session) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(in).
		SetDoNotParseResponse(true).
		Post("/runs")
	if err != nil {
		return fmt.Errorf("could not start remote agent: %w", err)
	}

	body := resp.RawBody()
	defer func() {
		if err := body.Close(); err != nil {
			log.Debug().Err(err).Str("run_id", in.RunID).Msg("Could not close agent stream")
		}
	}()

	if resp.StatusCode() >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		return &RemoteError{StatusCode: resp.StatusCode(), Message: string(msg)}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var wire wireEvent
		if err := json.Unmarshal(line, &wire); err != nil {
			return fmt.Errorf("malformed agent event: %w", err)
		}

		done, err := a.handle(ctx, in, session, wire)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent stream broke: %w", err)
	}
	return errors.New("agent stream ended without a done event")
}

// handle dispatches one wire event and reports whether the stream is finished
func (a *HTTPAgent) handle(ctx context.Context, in Input, session Session, wire wireEvent) (bool, error) {
	var event Event
	switch wire.Type {
	case "node":
		event = NodeEntered{Node: wire.Node}
	case "todos":
		event = TodoUpdated{Todos: wire.Todos}
	case "tool_call":
		event = ToolCalled{ToolName: wire.ToolName, ToolCallID: wire.ToolCallID, Input: wire.Input}
	case "tool_result":
		event = ToolReturned{
			ToolName:   wire.ToolName,
			ToolCallID: wire.ToolCallID,
			Input:      wire.Input,
			Output:     wire.Output,
			Success:    wire.Success,
			Error:      wire.Error,
		}
	case "text":
		event = TextProduced{Content: wire.Content}
	case "email_draft":
		if wire.Draft == nil {
			return false, nil
		}
		event = EmailDrafted{Draft: *wire.Draft}
	case "search_results":
		event = SearchResultsFound{Results: wire.Results}
	case "usage":
		event = UsageReported{InputTokens: wire.InputTokens, OutputTokens: wire.OutputTokens, TotalTokens: wire.TotalTokens}
	case "approval_required":
		return false, a.approve(ctx, in, session, wire)
	case "error":
		return false, &RemoteError{Message: wire.Message}
	case "done":
		return true, session.Emit(ctx, Finished{Content: wire.Content})
	default:
		log.Warn().Str("run_id", in.RunID).Str("type", wire.Type).Msg("Ignoring unknown agent event")
		return false, nil
	}
	return false, session.Emit(ctx, event)
}

func (a *HTTPAgent) approve(ctx context.Context, in Input, session Session, wire wireEvent) error {
	decision, err := session.AwaitApproval(ctx, ApprovalRequest{
		ToolName:   wire.ToolName,
		ToolCallID: wire.ToolCallID,
		Reason:     wire.Reason,
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.R().
		SetContext(reqCtx).
		SetHeader("Content-Type", "application/json").
		SetPathParams(map[string]string{"runId": in.RunID, "toolCallId": wire.ToolCallID}).
		SetBody(decision).
		Post("/runs/{runId}/approvals/{toolCallId}")
	if err != nil {
		return fmt.Errorf("could not deliver approval decision: %w", err)
	}
	if resp.IsError() {
		return &RemoteError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}
