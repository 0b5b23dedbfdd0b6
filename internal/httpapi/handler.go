package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"careflow/flow-service/internal/flow"
	"careflow/flow-service/internal/models"

	"github.com/google/uuid"
)

// Facade is the slice of the coordinator the HTTP layer needs. Tests
// substitute a fake.
type Facade interface {
	AdmitToken(ctx context.Context, input flow.AdmitInput) (models.Token, error)
	ApproveToken(ctx context.Context, tokenID, actedBy string) (models.ConsultationSession, error)
	RescheduleToken(ctx context.Context, tokenID, actedBy string) (models.Token, error)
	FinalizeSession(ctx context.Context, input flow.FinalizeInput) (models.AuditRecord, error)
	EscalateSession(ctx context.Context, sessionID, actedBy string) (models.Token, error)
	ActivateOverride(actedBy string) bool
	DeactivateOverride(actedBy string) bool
	OverrideActive() bool
	PendingTokens() []models.Token
	ActiveSessions() []models.SessionView
	EscalatedTokens() []models.Token
	CompletedHistory() []models.AuditRecord
}

type Handler struct {
	facade         Facade
	auditListLimit int
}

type Options struct {
	AuditListLimit int
}

func NewHandler(facade Facade, options Options) *Handler {
	limit := options.AuditListLimit
	if limit <= 0 {
		limit = 200
	}
	return &Handler{facade: facade, auditListLimit: limit}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleAdmit)
	mux.HandleFunc("/api/tokens/pending", h.handlePending)
	mux.HandleFunc("/api/tokens/escalated", h.handleEscalated)
	mux.HandleFunc("/api/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/sessions/active", h.handleActiveSessions)
	mux.HandleFunc("/api/sessions/", h.handleSessionActions)
	mux.HandleFunc("/api/override", h.handleOverrideStatus)
	mux.HandleFunc("/api/override/activate", h.handleOverrideActivate)
	mux.HandleFunc("/api/override/deactivate", h.handleOverrideDeactivate)
	mux.HandleFunc("/api/audit", h.handleAudit)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type admitRequest struct {
	RequestID      string `json:"request_id"`
	PatientName    string `json:"patient_name"`
	AssignedDoctor string `json:"assigned_doctor"`
	ScheduledTime  string `json:"scheduled_time"`
	EstimatedWait  int    `json:"estimated_wait_minutes"`
	ActedBy        string `json:"acted_by"`
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req admitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.AssignedDoctor = strings.TrimSpace(req.AssignedDoctor)
	req.ScheduledTime = strings.TrimSpace(req.ScheduledTime)

	if req.RequestID == "" || req.PatientName == "" || req.AssignedDoctor == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, patient_name, and assigned_doctor are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.EstimatedWait < 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "estimated_wait_minutes must not be negative")
		return
	}

	token, err := h.facade.AdmitToken(r.Context(), flow.AdmitInput{
		RequestID:      req.RequestID,
		PatientName:    req.PatientName,
		AssignedDoctor: req.AssignedDoctor,
		ScheduledTime:  req.ScheduledTime,
		EstimatedWait:  req.EstimatedWait,
		ActedBy:        actingStaff(r, req.ActedBy),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.facade.PendingTokens())
}

func (h *Handler) handleEscalated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.facade.EscalatedTokens())
}

func (h *Handler) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.facade.ActiveSessions())
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tokenID, action, ok := splitAction(r.URL.Path, "/api/tokens/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	actedBy := actingStaff(r, req.ActedBy)

	switch action {
	case "approve":
		session, err := h.facade.ApproveToken(r.Context(), tokenID, actedBy)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, req.RequestID, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "reschedule":
		token, err := h.facade.RescheduleToken(r.Context(), tokenID, actedBy)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, req.RequestID, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type finalizeRequest struct {
	RequestID      string `json:"request_id"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Notes          string `json:"notes"`
	ActedBy        string `json:"acted_by"`
}

func (h *Handler) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID, action, ok := splitAction(r.URL.Path, "/api/sessions/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(sessionID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "session_id must be a UUID")
		return
	}

	switch action {
	case "finalize":
		var req finalizeRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.RequestID = strings.TrimSpace(req.RequestID)
		if req.RequestID == "" || !isValidUUID(req.RequestID) {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
			return
		}
		if req.ElapsedSeconds < 0 {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "elapsed_seconds must not be negative")
			return
		}

		record, err := h.facade.FinalizeSession(r.Context(), flow.FinalizeInput{
			SessionID:                sessionID,
			ElapsedSecondsAtFinalize: req.ElapsedSeconds,
			Notes:                    req.Notes,
			ActedBy:                  actingStaff(r, req.ActedBy),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, req.RequestID, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "escalate":
		req, ok := decodeActionRequest(w, r)
		if !ok {
			return
		}
		token, err := h.facade.EscalateSession(r.Context(), sessionID, actingStaff(r, req.ActedBy))
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, req.RequestID, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type overrideResponse struct {
	Active  bool `json:"active"`
	Changed bool `json:"changed,omitempty"`
}

func (h *Handler) handleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, overrideResponse{Active: h.facade.OverrideActive()})
}

func (h *Handler) handleOverrideActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	changed := h.facade.ActivateOverride(actingStaff(r, req.ActedBy))
	writeJSON(w, http.StatusOK, overrideResponse{Active: true, Changed: changed})
}

func (h *Handler) handleOverrideDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	changed := h.facade.DeactivateOverride(actingStaff(r, req.ActedBy))
	writeJSON(w, http.StatusOK, overrideResponse{Active: false, Changed: changed})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records := h.facade.CompletedHistory()
	limit := h.auditListLimit
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if len(records) > limit {
		records = records[:limit]
	}
	writeJSON(w, http.StatusOK, records)
}

type actionRequest struct {
	RequestID string `json:"request_id"`
	ActedBy   string `json:"acted_by"`
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return actionRequest{}, false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ActedBy = strings.TrimSpace(req.ActedBy)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return actionRequest{}, false
	}
	return req, true
}

func splitAction(path, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, flow.ErrNotFound):
		return http.StatusNotFound, "not_found", "token or session not found"
	case errors.Is(err, flow.ErrOverrideSuspended):
		return http.StatusConflict, "override_suspended", "emergency protocol active"
	case errors.Is(err, flow.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
