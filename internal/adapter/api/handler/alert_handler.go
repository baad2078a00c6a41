package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/usecase"
)

// AlertHandler serves alert history and manual transitions.
type AlertHandler struct {
	svc    *usecase.AlertService
	logger *slog.Logger
}

func NewAlertHandler(svc *usecase.AlertService, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{svc: svc, logger: logger.With("component", "alert_handler")}
}

// List handles GET /alerts?status&rule_id&limit.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	filter := domain.AlertFilter{Status: domain.AlertStatus(v.Get("status"))}
	if s := v.Get("rule_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, h.logger, &domain.ValidationError{Field: "rule_id", Reason: "must be a UUID"})
			return
		}
		filter.RuleID = id
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, h.logger, &domain.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		filter.Limit = n
	}

	alerts, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, alerts)
}

// Get handles GET /alerts/{id}.
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	alert, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, alert)
}

// Resolve handles POST /alerts/{id}/resolve.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	alert, err := h.svc.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, alert)
}

type silenceRequest struct {
	Duration domain.Duration `json:"duration"`
}

// Silence handles POST /alerts/{id}/silence {"duration":"30m"}.
func (h *AlertHandler) Silence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req silenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	alert, err := h.svc.Silence(r.Context(), id, time.Duration(req.Duration))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, alert)
}
