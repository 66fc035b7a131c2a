// Package api exposes the control API of the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/convoflow/pkg/config"
	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/loader"
	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/middleware"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/notify"
	"github.com/tcmartin/convoflow/pkg/registry"
	"github.com/tcmartin/convoflow/pkg/runtime"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// ExecutionService is the control API of the engine
type ExecutionService interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) (runtime.InboundResult, error)
	Execute(ctx context.Context, req runtime.ExecuteRequest) (*models.Execution, error)
	Pause(ctx context.Context, id, reason string) (*models.Execution, error)
	Resume(ctx context.Context, id, nextNodeID string, overrides map[string]interface{}) (*models.Execution, error)
	Cancel(ctx context.Context, id, reason string) (*models.Execution, error)
	ForceEnd(ctx context.Context, id, reason string) (*models.Execution, error)
	UpdateVariable(ctx context.Context, id, key string, value interface{}) (*models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, filter models.ExecutionFilter, page models.Pagination) (models.ExecutionPage, error)
	ExecutionLogs(ctx context.Context, id string) ([]models.ExecutionLog, error)
}

// InactivityChecker checks a single execution for inactivity on demand
type InactivityChecker interface {
	Check(ctx context.Context, id string) (string, error)
}

// Options wires the collaborators of the server. Nil optional collaborators
// disable their routes.
type Options struct {
	Engine ExecutionService
	Flows  registry.FlowRegistry

	// Loader parses flow documents for updates and validation; defaults to YAML
	Loader loader.FlowLoader

	Inactivity InactivityChecker
	Hub        *notify.Hub
	Events     *notify.SSEBroadcaster

	// Metrics serves /metrics
	Metrics http.Handler

	// RateLimiter bounds requests per tenant
	RateLimiter *middleware.RateLimiter

	Logger logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config *config.Config
	router *mux.Router
	server *http.Server
	opts   Options
	logger logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, opts Options) *Server {
	if opts.Loader == nil {
		opts.Loader = loader.NewYAMLLoader()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		opts:   opts,
		logger: opts.Logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", logging.F("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.CORS(s.config.Server.CORSOrigins))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	// Tenant scoped routes
	tenant := api.PathPrefix("").Subrouter()
	tenant.Use(middleware.Tenant)
	if s.opts.RateLimiter != nil {
		tenant.Use(middleware.RateLimit(s.opts.RateLimiter))
	}

	tenant.HandleFunc("/messages", s.handleInboundMessage).Methods(http.MethodPost, http.MethodOptions)

	// Execution routes
	executions := tenant.PathPrefix("/executions").Subrouter()
	executions.HandleFunc("", s.handleListExecutions).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("", s.handleExecute).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}", s.handleGetExecution).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("/{id}/logs", s.handleExecutionLogs).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("/{id}/pause", s.handlePause).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}/resume", s.handleResume).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}/cancel", s.handleCancel).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}/force-end", s.handleForceEnd).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}/variables/{key}", s.handleUpdateVariable).Methods(http.MethodPut, http.MethodOptions)
	if s.opts.Inactivity != nil {
		executions.HandleFunc("/{id}/inactivity-check", s.handleInactivityCheck).Methods(http.MethodPost, http.MethodOptions)
	}

	// Flow routes
	flows := tenant.PathPrefix("/flows").Subrouter()
	flows.HandleFunc("", s.handleListFlows).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("", s.handleCreateFlow).Methods(http.MethodPost, http.MethodOptions)
	flows.HandleFunc("/validate", s.handleValidateFlow).Methods(http.MethodPost, http.MethodOptions)
	flows.HandleFunc("/{id}", s.handleGetFlow).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("/{id}", s.handleUpdateFlow).Methods(http.MethodPut, http.MethodOptions)
	flows.HandleFunc("/{id}/versions", s.handleListFlowVersions).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("/{id}/versions/{version:[0-9]+}", s.handleGetFlowVersion).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("/{id}/activate", s.handleActivateFlow).Methods(http.MethodPost, http.MethodOptions)
	flows.HandleFunc("/{id}/deactivate", s.handleDeactivateFlow).Methods(http.MethodPost, http.MethodOptions)

	// Notification streams
	if s.opts.Hub != nil {
		tenant.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	}
	if s.opts.Events != nil {
		tenant.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.Hub != nil {
		body["websocket_clients"] = s.opts.Hub.ConnectedClients()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	s.opts.Hub.ServeWS(w, r, tenantID)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	s.opts.Events.ServeTenant(w, r, tenantID)
}

// errorResponse is the body of every error answer
type errorResponse struct {
	Error    string        `json:"error"`
	Status   models.Status `json:"status,omitempty"`
	Problems []string      `json:"problems,omitempty"`
}

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// errBadRequest marks malformed request bodies and parameters
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, runtime.ErrInvalidRequest),
		errors.Is(err, runtime.ErrNodeNotFound),
		errors.Is(err, flow.ErrInvalidDefinition),
		errors.Is(err, loader.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrExecutionNotFound),
		errors.Is(err, storage.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrConflict),
		errors.Is(err, runtime.ErrContactBusy),
		errors.Is(err, registry.ErrFlowInactive),
		errors.Is(err, registry.ErrFlowAlreadyExists),
		errors.Is(err, storage.ErrFlowVersionExists),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrAwaitingConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var conflict *runtime.ConflictError
	if errors.As(err, &conflict) {
		resp.Status = conflict.Status
	}
	var invalid *flow.ValidationError
	if errors.As(err, &invalid) {
		resp.Problems = invalid.Problems
	}

	if status == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("Request failed",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.Err(err))
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
