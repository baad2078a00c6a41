package handler

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/usecase"
)

// RuleHandler serves alert rule CRUD.
type RuleHandler struct {
	svc    *usecase.RuleService
	logger *slog.Logger
}

func NewRuleHandler(svc *usecase.RuleService, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{svc: svc, logger: logger.With("component", "rule_handler")}
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if rules == nil {
		rules = []*domain.AlertRule{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, rules)
}

func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	rule, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, rule)
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Create(r.Context(), &rule); err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, rule)
}

func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var rule domain.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Update(r.Context(), id, &rule); err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, rule)
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
