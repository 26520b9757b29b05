package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/crmkit/automation/internal/approval"
	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/ledger"
)

// handleIngestEvent accepts a domain mutation from the CRUD layer. The event
// is queued on the bus and 202 is returned immediately: the caller's
// transaction never waits on rule execution.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string         `json:"id,omitempty"`
		TenantID     string         `json:"tenant_id"`
		ObjectType   string         `json:"object_type"`
		ObjectID     string         `json:"object_id"`
		Action       string         `json:"action"`
		Before       map[string]any `json:"before,omitempty"`
		After        map[string]any `json:"after,omitempty"`
		ActingUserID string         `json:"acting_user_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TenantID == "" || req.ObjectType == "" {
		respondError(w, http.StatusBadRequest, "tenant_id and object_type are required", nil)
		return
	}

	var kind event.Kind
	switch req.Action {
	case "created":
		kind = event.KindCreated
	case "updated":
		kind = event.KindUpdated
	case "deleted":
		kind = event.KindDeleted
	default:
		respondError(w, http.StatusBadRequest, "action must be created, updated or deleted", nil)
		return
	}

	evt := &event.Event{
		ID:           req.ID,
		TenantID:     req.TenantID,
		Kind:         kind,
		ObjectType:   req.ObjectType,
		ObjectID:     req.ObjectID,
		Before:       req.Before,
		After:        req.After,
		ActingUserID: req.ActingUserID,
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	s.bus.Publish(r.Context(), evt)
	respondJSON(w, http.StatusAccepted, map[string]string{"event_id": evt.ID})
}

// handleTick drives the scheduler and the escalation sweep from an external
// clock source.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if err := s.scheduler.Tick(r.Context(), now); err != nil {
		respondError(w, http.StatusInternalServerError, "tick failed", err)
		return
	}
	if err := s.approvals.CheckEscalations(r.Context(), now); err != nil {
		respondError(w, http.StatusInternalServerError, "escalation sweep failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"ticked_at": now.Format(time.RFC3339)})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	f := ledger.Filter{
		RuleID:   r.URL.Query().Get("rule_id"),
		ObjectID: r.URL.Query().Get("object_id"),
		Status:   ledger.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp", nil)
			return
		}
		f.From = from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp", nil)
			return
		}
		f.To = to
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		f.Limit = limit
	}

	execs, err := s.executions.List(r.Context(), tenantID, f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	executionID := chi.URLParam(r, "executionID")

	exec, err := s.executions.Get(r.Context(), tenantID, executionID)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "execution not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get execution", err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	executionID := chi.URLParam(r, "executionID")

	err := s.executor.Cancel(r.Context(), tenantID, executionID)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "execution not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusConflict, "cannot cancel execution", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	executionID := chi.URLParam(r, "executionID")

	exec, err := s.executor.Retry(r.Context(), tenantID, executionID)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "execution not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusConflict, "cannot retry execution", err)
		return
	}
	respondJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	chainID := chi.URLParam(r, "chainID")

	chain, err := s.approvals.Get(r.Context(), tenantID, chainID)
	if errors.Is(err, approval.ErrChainNotFound) {
		respondError(w, http.StatusNotFound, "approval chain not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get approval chain", err)
		return
	}
	respondJSON(w, http.StatusOK, chain)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	chainID := chi.URLParam(r, "chainID")

	var req struct {
		Level      *int   `json:"level"`
		ApproverID string `json:"approver_id"`
		Decision   string `json:"decision"`
		Comment    string `json:"comment,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ApproverID == "" {
		respondError(w, http.StatusBadRequest, "approver_id is required", nil)
		return
	}
	if req.Level == nil || *req.Level < 0 {
		respondError(w, http.StatusBadRequest, "level is required", nil)
		return
	}
	var approve bool
	switch req.Decision {
	case "approved":
		approve = true
	case "rejected":
		approve = false
	default:
		respondError(w, http.StatusBadRequest, "decision must be approved or rejected", nil)
		return
	}

	chain, err := s.approvals.Decide(r.Context(), tenantID, chainID, *req.Level, req.ApproverID, approve, req.Comment)
	switch {
	case errors.Is(err, approval.ErrChainNotFound):
		respondError(w, http.StatusNotFound, "approval chain not found", nil)
	case errors.Is(err, approval.ErrNotAuthorizedApprover):
		respondError(w, http.StatusForbidden, "not an approver on this chain", nil)
	case errors.Is(err, approval.ErrNotCurrentLevel):
		respondError(w, http.StatusConflict, "not the current approval level", nil)
	case errors.Is(err, approval.ErrChainClosed):
		respondError(w, http.StatusConflict, "approval chain already resolved", nil)
	case err != nil:
		respondError(w, http.StatusInternalServerError, "decision failed", err)
	default:
		respondJSON(w, http.StatusOK, chain)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
