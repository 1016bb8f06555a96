// Package api exposes the console to operator front ends over HTTP: state
// snapshots, flow editing, run control, recovery decisions, recording and
// live change and log feeds.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tcmartin/flowconsole/pkg/auth"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/loader"
	"github.com/tcmartin/flowconsole/pkg/middleware"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/recorder"
	"github.com/tcmartin/flowconsole/pkg/recovery"
	"github.com/tcmartin/flowconsole/pkg/runner"
	"github.com/tcmartin/flowconsole/pkg/scheduler"
	"github.com/tcmartin/flowconsole/pkg/store"
)

// Dependencies are the console components the API drives
type Dependencies struct {
	Store     *store.Store
	Engine    *engine.Client
	Runner    *runner.Runner
	Recovery  *recovery.Coordinator
	Recorder  *recorder.Recorder
	Loader    loader.FlowLoader
	Scheduler *scheduler.Scheduler

	// Auth is nil when the API runs without authentication
	Auth auth.Authenticator
}

// Server represents the HTTP API server
type Server struct {
	config *config.Config
	router *mux.Router
	server *http.Server
	logger *slog.Logger

	store     *store.Store
	engine    *engine.Client
	runner    *runner.Runner
	recovery  *recovery.Coordinator
	recorder  *recorder.Recorder
	loader    loader.FlowLoader
	scheduler *scheduler.Scheduler
	auth      auth.Authenticator
	limiter   *middleware.RateLimiter

	feed   *ChangeFeed
	events *LogEvents
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))
	if deps.Loader == nil {
		deps.Loader = loader.NewYAMLLoader()
	}

	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		logger:    logger,
		store:     deps.Store,
		engine:    deps.Engine,
		runner:    deps.Runner,
		recovery:  deps.Recovery,
		recorder:  deps.Recorder,
		loader:    deps.Loader,
		scheduler: deps.Scheduler,
		auth:      deps.Auth,
		feed:      NewChangeFeed(deps.Store, deps.Recovery, logger),
		events:    NewLogEvents(deps.Store, logger),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", slog.String("addr", addr))

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully and ends the live feeds
func (s *Server) Stop(ctx context.Context) error {
	s.feed.Close()
	s.events.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public routes
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	authenticated := api.PathPrefix("").Subrouter()
	if s.auth != nil {
		authMiddleware := middleware.NewAuthMiddleware(s.auth)
		s.limiter = authMiddleware.RateLimiter()
		authenticated.Use(authMiddleware.Authenticate, middleware.RequireOperator)
		authenticated.HandleFunc("/refresh-token", s.handleRefreshToken).Methods(http.MethodPost)
	} else {
		s.logger.Warn("operator API authentication disabled; set auth.jwt_secret to enable it")
	}

	authenticated.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	authenticated.HandleFunc("/ws", s.feed.ServeHTTP).Methods(http.MethodGet)
	authenticated.HandleFunc("/events", s.events.ServeHTTP).Methods(http.MethodGet)

	// Flow routes
	flows := authenticated.PathPrefix("/flows").Subrouter()
	flows.HandleFunc("", s.handleListFlows).Methods(http.MethodGet)
	flows.HandleFunc("", s.handleCreateFlow).Methods(http.MethodPost)
	flows.HandleFunc("/import", s.handleImportFlow).Methods(http.MethodPost)
	flows.HandleFunc("/{id}", s.handleGetFlow).Methods(http.MethodGet)
	flows.HandleFunc("/{id}", s.handleUpdateFlow).Methods(http.MethodPut)
	flows.HandleFunc("/{id}", s.handleDeleteFlow).Methods(http.MethodDelete)
	flows.HandleFunc("/{id}/export", s.handleExportFlow).Methods(http.MethodGet)
	flows.HandleFunc("/{id}/steps", s.handleAddStep).Methods(http.MethodPost)
	flows.HandleFunc("/{id}/steps/reorder", s.handleReorderSteps).Methods(http.MethodPost)
	flows.HandleFunc("/{id}/steps/{stepId}", s.handleUpdateStep).Methods(http.MethodPut)
	flows.HandleFunc("/{id}/steps/{stepId}", s.handleDeleteStep).Methods(http.MethodDelete)
	authenticated.HandleFunc("/active-flow", s.handleSetActiveFlow).Methods(http.MethodPut)

	// Element library
	authenticated.HandleFunc("/elements", s.handleListElements).Methods(http.MethodGet)
	authenticated.HandleFunc("/elements", s.handleAddElement).Methods(http.MethodPost)
	authenticated.HandleFunc("/elements/{id}", s.handleDeleteElement).Methods(http.MethodDelete)

	// Logs
	authenticated.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet)
	authenticated.HandleFunc("/logs", s.handleClearLogs).Methods(http.MethodDelete)

	// Execution
	authenticated.HandleFunc("/automation", s.handleGetAutomation).Methods(http.MethodGet)
	authenticated.HandleFunc("/automation", s.handleSetAutomation).Methods(http.MethodPut)
	authenticated.HandleFunc("/initialize", s.handleInitialize).Methods(http.MethodPost)
	authenticated.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	authenticated.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	authenticated.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	authenticated.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	authenticated.HandleFunc("/start-step", s.handleSetStartStep).Methods(http.MethodPut)

	// Recovery
	authenticated.HandleFunc("/recovery", s.handleRecoveryState).Methods(http.MethodGet)
	authenticated.HandleFunc("/recovery/{action}", s.handleRecoveryAction).Methods(http.MethodPost)

	// Recording
	authenticated.HandleFunc("/record/start", s.handleRecordStart).Methods(http.MethodPost)
	authenticated.HandleFunc("/record/stop", s.handleRecordStop).Methods(http.MethodPost)
	authenticated.HandleFunc("/record/status", s.handleRecordStatus).Methods(http.MethodGet)

	// Engine utilities
	authenticated.HandleFunc("/products/load", s.handleLoadProducts).Methods(http.MethodPost)
	authenticated.HandleFunc("/debug/capture", s.handleCaptureElements).Methods(http.MethodPost)
	authenticated.HandleFunc("/debug/pick", s.handlePickElements).Methods(http.MethodPost)
	authenticated.HandleFunc("/debug/window", s.handleAnalyzeWindow).Methods(http.MethodGet)
	authenticated.HandleFunc("/engine/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	authenticated.HandleFunc("/engine/reconnect", s.handleReconnect).Methods(http.MethodPost)

	// Schedules
	authenticated.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	authenticated.HandleFunc("/schedules/{name}/trigger", s.handleTriggerSchedule).Methods(http.MethodPost)

	s.router.Use(middleware.RequestLogger(s.logger))
}

// handleHealth reports console liveness and, when reachable, the engine's
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if s.engine != nil {
		health, err := s.engine.Health(r.Context())
		if err != nil {
			resp["engine"] = map[string]string{"status": "unreachable", "error": err.Error()}
		} else {
			resp["engine"] = health
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleState returns the full console state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":    s.store.Snapshot(),
		"recovery": s.recovery.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeFailure maps a component error to an HTTP status
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var cmdErr *engine.CommandError
	switch {
	case errors.Is(err, runner.ErrNoActiveFlow),
		errors.Is(err, runner.ErrNoSteps),
		errors.Is(err, recorder.ErrNoActiveFlow),
		errors.Is(err, models.ErrUnknownSelector),
		errors.Is(err, models.ErrEmptySelectorValue):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrAlreadyRunning),
		errors.Is(err, runner.ErrRecordingActive),
		errors.Is(err, runner.ErrInitializing),
		errors.Is(err, recorder.ErrInitializing),
		errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrRunActive),
		errors.Is(err, recovery.ErrNoFailure),
		errors.Is(err, recovery.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRejected),
		errors.Is(err, engine.ErrStreamClosed),
		errors.As(err, &cmdErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeJSON reads the request body into v, writing a 400 on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
