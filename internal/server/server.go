// Package server exposes the engine over HTTP: event ingestion, rule
// management, execution queries, approval decisions, and the external tick.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/approval"
	"github.com/crmkit/automation/internal/engine"
	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/ledger"
	"github.com/crmkit/automation/internal/rule"
	"github.com/crmkit/automation/internal/sched"
)

type Server struct {
	registry   *rule.Registry
	executor   *engine.Executor
	executions ledger.Store
	approvals  *approval.Manager
	scheduler  *sched.Scheduler
	bus        *event.Bus
	logger     *zap.SugaredLogger
	router     *chi.Mux
}

func New(registry *rule.Registry, executor *engine.Executor, executions ledger.Store, approvals *approval.Manager, scheduler *sched.Scheduler, bus *event.Bus, logger *zap.SugaredLogger) *Server {
	s := &Server{
		registry:   registry,
		executor:   executor,
		executions: executions,
		approvals:  approvals,
		scheduler:  scheduler,
		bus:        bus,
		logger:     logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	// Runtime inputs
	r.Post("/api/v1/events", s.handleIngestEvent)
	r.Post("/api/v1/tick", s.handleTick)

	r.Route("/api/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Get("/{ruleID}", s.handleGetRule)
			r.Put("/{ruleID}", s.handleUpdateRule)
			r.Post("/{ruleID}/activate", s.handleActivateRule)
			r.Post("/{ruleID}/deactivate", s.handleDeactivateRule)
			r.Post("/{ruleID}/test", s.handleTestRule)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{executionID}", s.handleGetExecution)
			r.Post("/{executionID}/cancel", s.handleCancelExecution)
			r.Post("/{executionID}/retry", s.handleRetryExecution)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/{chainID}", s.handleGetChain)
			r.Post("/{chainID}/decide", s.handleDecide)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
