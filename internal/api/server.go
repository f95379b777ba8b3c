package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/approval"
	"agentrunner/internal/launcher"
	"agentrunner/internal/metrics"
	"agentrunner/internal/store"
	"agentrunner/internal/usage"
)

type Server struct {
	ctx    context.Context
	router *chi.Mux
}

type Config struct {
	JWTSecret string
	// KeepAlive is the interval of comment lines on idle event streams
	KeepAlive time.Duration
}

// Deps are the collaborators the API serves from
type Deps struct {
	Launcher *launcher.Launcher
	Store    store.Store
	Broker   approval.Broker
	Usage    usage.Guard

	HTTPMetrics *metrics.HTTP
	Metrics     http.Handler
}

// New creates a new API server instance
func New(ctx context.Context, deps Deps, config Config) *Server {
	if deps.Usage == nil {
		deps.Usage = usage.Unlimited{}
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}

	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if deps.HTTPMetrics != nil {
		s.router.Use(deps.HTTPMetrics.Middleware)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/agent", NewAgentRouter(ctx, deps, config, chi.NewRouter()))
	})
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("API server listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	RemainingBudget *int64 `json:"remainingBudget,omitempty"`
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		serveError(w, http.StatusBadRequest, "invalid_request", "could not parse request body to payload")
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

func serveError(w http.ResponseWriter, status int, code, message string) {
	serveJsonStatus(w, status, ErrorResponse{Error: code, Message: message})
}
