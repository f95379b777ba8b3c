package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/approval"
	"agentrunner/internal/launcher"
	"agentrunner/internal/models"
	"agentrunner/internal/observer"
	"agentrunner/internal/store"
	"agentrunner/internal/usage"
)

type AgentRouter struct {
	ctx       context.Context
	launcher  *launcher.Launcher
	store     store.Store
	broker    approval.Broker
	usage     usage.Guard
	keepAlive time.Duration
	router    chi.Router
}

func (a *AgentRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	a.router.ServeHTTP(writer, request)
}

func NewAgentRouter(ctx context.Context, deps Deps, config Config, router chi.Router) *AgentRouter {
	a := &AgentRouter{
		ctx:       ctx,
		launcher:  deps.Launcher,
		store:     deps.Store,
		broker:    deps.Broker,
		usage:     deps.Usage,
		keepAlive: config.KeepAlive,
		router:    router,
	}

	a.router.Use(Authenticate(config.JWTSecret))
	a.router.Post("/start", a.StartRun)
	a.router.Get("/start", a.GetRunByQuery)
	a.router.Get("/runs", a.ListRuns)
	a.router.Get("/runs/{runID}", a.GetRun)
	a.router.Get("/runs/{runID}/events", a.StreamRun)
	a.router.Post("/runs/{runID}/cancel", a.CancelRun)
	a.router.Post("/wait-token/complete", a.CompleteWaitToken)

	return a
}

func (a *AgentRouter) StartRun(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var payload StartRunRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	allowance, err := a.usage.EnsurePromptAllowed(r.Context(), userID, usage.Request{
		Model:               payload.ModelName,
		InputTokensEstimate: usage.EstimateTokens(payload.Message),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Usage check failed")
		serveError(w, http.StatusInternalServerError, "internal_error", "could not check usage limits")
		return
	}
	if !allowance.Allowed {
		serveJsonStatus(w, http.StatusTooManyRequests, ErrorResponse{
			Error:           "usage_limit_exceeded",
			Message:         "the daily usage limit has been reached",
			RemainingBudget: allowance.RemainingBudget,
		})
		return
	}

	res, err := a.launcher.StartRun(r.Context(), launcher.Input{
		Message:             payload.Message,
		ConversationID:      payload.ConversationID,
		UserID:              userID,
		ModelName:           payload.ModelName,
		ThinkingLevel:       payload.ThinkingLevel,
		ConversationHistory: payload.ConversationHistory,
	})

	var validationErr *launcher.ValidationError
	var triggerErr *launcher.TriggerError
	switch {
	case err == nil:
	case errors.As(err, &validationErr):
		serveError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	case errors.As(err, &triggerErr):
		w.Header().Set("X-Run-Id", triggerErr.RunID)
		serveError(w, http.StatusInternalServerError, "trigger_failed", "the run could not be started, please try again")
		return
	default:
		log.Error().Err(err).Str("user_id", userID).Msg("Could not start run")
		serveError(w, http.StatusInternalServerError, "internal_error", "the run could not be created")
		return
	}

	w.Header().Set("X-Run-Id", res.RunID)
	w.Header().Set("X-Conversation-Id", res.ConversationID)
	serveJson(w, StartRunResponse{
		Success:        true,
		RunID:          res.RunID,
		ConversationID: res.ConversationID,
		TaskID:         res.TaskID,
		Status:         res.Status,
	})
}

// GetRunByQuery is the polling fallback, GET /start?runId=
func (a *AgentRouter) GetRunByQuery(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.URL.Query().Get("runId"))
	if runID == "" {
		serveError(w, http.StatusBadRequest, "validation_error", "runId is required")
		return
	}
	if run, ok := a.ownedRun(w, r, runID); ok {
		serveJson(w, run)
	}
}

func (a *AgentRouter) GetRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := a.ownedRun(w, r, chi.URLParam(r, "runID")); ok {
		serveJson(w, run)
	}
}

func (a *AgentRouter) ListRuns(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
	if conversationID == "" {
		serveError(w, http.StatusBadRequest, "validation_error", "conversationId is required")
		return
	}

	runs, err := a.store.ListByConversation(r.Context(), conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Could not list runs")
		serveError(w, http.StatusInternalServerError, "internal_error", "could not list runs")
		return
	}

	owned := make([]models.AgentRun, 0, len(runs))
	for _, run := range runs {
		if run.UserID == userID {
			owned = append(owned, run)
		}
	}
	serveJson(w, owned)
}

func (a *AgentRouter) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.ownedRun(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}

	err := a.store.Patch(r.Context(), run.ID, models.CancelledPatch())
	switch {
	case errors.Is(err, models.ErrTerminal):
		serveError(w, http.StatusConflict, "run_finished", fmt.Sprintf("run is already %s", run.Status))
		return
	case err != nil:
		log.Error().Err(err).Str("run_id", run.ID).Msg("Could not cancel run")
		serveError(w, http.StatusInternalServerError, "internal_error", "could not cancel run")
		return
	}

	log.Info().Str("run_id", run.ID).Msg("Run cancelled")
	if run, err = a.store.Get(r.Context(), run.ID); err != nil {
		serveError(w, http.StatusInternalServerError, "internal_error", "could not load run")
		return
	}
	serveJson(w, run)
}

func (a *AgentRouter) CompleteWaitToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var payload CompleteWaitTokenRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	err := a.broker.Complete(r.Context(), payload.TokenID, userID, approval.Decision{
		Approved:  *payload.Approved,
		Reason:    payload.Reason,
		DecidedAt: time.Now().UTC(),
	})
	switch {
	case errors.Is(err, approval.ErrUnknownToken):
		serveError(w, http.StatusNotFound, "not_found", "wait token not found or expired")
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		serveError(w, http.StatusConflict, "already_decided", "wait token was already decided")
		return
	case err != nil:
		log.Error().Err(err).Str("token_id", payload.TokenID).Msg("Could not complete wait token")
		serveError(w, http.StatusInternalServerError, "internal_error", "could not complete wait token")
		return
	}

	log.Info().
		Str("token_id", payload.TokenID).
		Str("user_id", userID).
		Bool("approved", *payload.Approved).
		Msg("Wait token completed")
	serveJson(w, CompleteWaitTokenResponse{Success: true, TokenID: payload.TokenID})
}

// StreamRun sends the run's snapshots as server-sent events until the run is terminal or the
// client goes away. Reconnecting is always safe, the stream starts with the current snapshot.
func (a *AgentRouter) StreamRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.ownedRun(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		serveError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	ctx := r.Context()
	updates := make(chan models.AgentRun)
	handle, err := observer.Observe(ctx, a.store, run.ID, observer.Callbacks{
		OnUpdate: func(run models.AgentRun) {
			select {
			case updates <- run:
			case <-ctx.Done():
			}
		},
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Could not observe run")
		serveError(w, http.StatusInternalServerError, "internal_error", "could not subscribe to run")
		return
	}
	defer handle.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(a.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case run := <-updates:
			data, err := json.Marshal(run)
			if err != nil {
				log.Error().Err(err).Str("run_id", run.ID).Msg("Could not encode run")
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: run\ndata: %s\n\n", run.UpdatedAt.UnixMilli(), data); err != nil {
				return
			}
			flusher.Flush()
			if run.Status.IsTerminal() {
				return
			}
		}
	}
}

// ownedRun loads a run of the requesting user. Runs of other users are reported as missing.
func (a *AgentRouter) ownedRun(w http.ResponseWriter, r *http.Request, runID string) (models.AgentRun, bool) {
	userID, _ := UserID(r.Context())

	run, err := a.store.Get(r.Context(), runID)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && run.UserID != userID):
		serveError(w, http.StatusNotFound, "not_found", "run not found")
		return models.AgentRun{}, false
	case err != nil:
		log.Error().Err(err).Str("run_id", runID).Msg("Could not load run")
		serveError(w, http.StatusInternalServerError, "internal_error", "could not load run")
		return models.AgentRun{}, false
	}
	return run, true
}
