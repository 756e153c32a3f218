package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/rules"
	"sentinel-hq/arbiter/pkg/storage"
	"sentinel-hq/arbiter/pkg/violation"
)

// submitEventRequest is the POST /v1/events body.
type submitEventRequest struct {
	TenantID     string         `json:"tenant_id"`
	AgentID      string         `json:"agent_id"`
	Type         event.Type     `json:"type"`
	Content      string         `json:"content"`
	Payload      map[string]any `json:"payload,omitempty"`
	SeverityHint string         `json:"severity_hint,omitempty"`
}

// resolveViolationRequest is the violation resolve body.
type resolveViolationRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note,omitempty"`
}

// manualTriggerRequest is the manual deliberation body.
type manualTriggerRequest struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := s.decode(w, r, &req); err != nil {
		return
	}

	if req.TenantID == "" || req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id and agent_id are required")
		return
	}
	if !req.Type.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	ev := event.New(req.TenantID, req.AgentID, req.Type, req.Content, req.Payload)
	ev.SeverityHint = req.SeverityHint

	ev, err := s.gateway.SubmitEvent(r.Context(), ev)
	if err != nil {
		s.logger.Error("event submission failed", "tenant_id", req.TenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "event submission failed")
		return
	}

	status := http.StatusOK
	if ev.Status == event.StatusPending {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, ev)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id := r.PathValue("id")

	ev, err := s.gateway.GetEvent(r.Context(), tenantID, id)
	if errors.Is(err, storage.ErrEventNotFound) {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRefreshRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	if err := s.gateway.RuleChanged(r.Context(), tenantID); err != nil {
		s.logger.Error("rule refresh failed", "tenant_id", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "rule refresh failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	ruleID := r.PathValue("id")

	err := s.gateway.DeleteRule(r.Context(), tenantID, ruleID)
	switch {
	case errors.Is(err, rules.ErrRuleInUse):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rules.ErrRuleNotFound):
		s.writeError(w, http.StatusNotFound, "rule not found")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "rule deletion failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id := r.PathValue("id")

	var req resolveViolationRequest
	if err := s.decode(w, r, &req); err != nil {
		return
	}
	if req.ResolvedBy == "" {
		s.writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	v, err := s.gateway.ResolveViolation(r.Context(), tenantID, id, req.ResolvedBy, req.Note)
	switch {
	case errors.Is(err, violation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "violation not found")
	case errors.Is(err, violation.ErrAlreadyResolved):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "violation resolution failed")
	default:
		s.writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	eventID := r.PathValue("id")

	var req manualTriggerRequest
	if err := s.decode(w, r, &req); err != nil {
		return
	}

	session, err := s.gateway.ManualTrigger(r.Context(), tenantID, eventID, req.WorkflowID)
	switch {
	case errors.Is(err, storage.ErrEventNotFound):
		s.writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, deliberation.ErrWorkflowNotFound):
		s.writeError(w, http.StatusNotFound, "no matching workflow")
	case errors.Is(err, deliberation.ErrWorkflowDisabled):
		s.writeError(w, http.StatusConflict, "workflow is disabled")
	case err != nil:
		s.logger.Error("manual trigger failed", "event_id", eventID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "deliberation start failed")
	default:
		s.writeJSON(w, http.StatusAccepted, session)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body under the configured size cap. It writes the
// error response itself so callers just return on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
