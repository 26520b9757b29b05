package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crmkit/automation/internal/rule"
)

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	rl, err := s.registry.Create(r.Context(), doc, tenantID, r.Header.Get("X-User-ID"))
	if err != nil {
		s.respondRuleError(w, err)
		return
	}
	if err := s.scheduler.Sync(r.Context(), rl); err != nil {
		s.logger.Errorw("Failed to sync schedule entry", "rule_id", rl.ID, "error", err)
	}
	respondJSON(w, http.StatusCreated, rl)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ruleID := chi.URLParam(r, "ruleID")
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	rl, err := s.registry.Update(r.Context(), doc, tenantID, ruleID)
	if err != nil {
		s.respondRuleError(w, err)
		return
	}
	if err := s.scheduler.Sync(r.Context(), rl); err != nil {
		s.logger.Errorw("Failed to sync schedule entry", "rule_id", rl.ID, "error", err)
	}
	respondJSON(w, http.StatusOK, rl)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	rules, err := s.registry.List(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ruleID := chi.URLParam(r, "ruleID")
	rl, err := s.registry.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		s.respondRuleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rl)
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, true)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, false)
}

func (s *Server) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	tenantID := chi.URLParam(r, "tenantID")
	ruleID := chi.URLParam(r, "ruleID")

	rl, err := s.registry.SetActive(r.Context(), tenantID, ruleID, active)
	if err != nil {
		s.respondRuleError(w, err)
		return
	}
	// Deactivation drops the schedule entry; activation recreates it.
	if err := s.scheduler.Sync(r.Context(), rl); err != nil {
		s.logger.Errorw("Failed to sync schedule entry", "rule_id", rl.ID, "error", err)
	}
	respondJSON(w, http.StatusOK, rl)
}

// handleTestRule dry-runs a rule document against a sample object without
// touching stored rules or invoking side effects.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ruleID := chi.URLParam(r, "ruleID")

	var req struct {
		SampleObject map[string]any `json:"sample_object"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.SampleObject == nil {
		respondError(w, http.StatusBadRequest, "sample_object is required", nil)
		return
	}

	rl, err := s.registry.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		s.respondRuleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.executor.DryRun(r.Context(), rl, req.SampleObject))
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) (*rule.Document, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err)
		return nil, false
	}
	doc, err := rule.ParseJSON(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule document", err)
		return nil, false
	}
	return doc, true
}

func (s *Server) respondRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rule.ErrNotFound):
		respondError(w, http.StatusNotFound, "rule not found", nil)
	case errors.Is(err, rule.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, "invalid rule definition", err)
	default:
		respondError(w, http.StatusInternalServerError, "rule operation failed", err)
	}
}
