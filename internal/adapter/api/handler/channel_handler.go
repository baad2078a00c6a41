package handler

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/usecase"
)

// ChannelHandler serves notification channel CRUD and tests.
type ChannelHandler struct {
	svc    *usecase.ChannelService
	logger *slog.Logger
}

func NewChannelHandler(svc *usecase.ChannelService, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{svc: svc, logger: logger.With("component", "channel_handler")}
}

func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	channels, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if channels == nil {
		channels = []*domain.NotificationChannel{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, channels)
}

func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	ch, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, ch)
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var ch domain.NotificationChannel
	if err := decodeJSON(r, &ch); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Create(r.Context(), &ch); err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, ch)
}

func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var ch domain.NotificationChannel
	if err := decodeJSON(r, &ch); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Update(r.Context(), id, &ch); err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, ch)
}

func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

// Test handles POST /notification-channels/{id}/test. A failed delivery is
// reported in the body with status 200; the channel is marked degraded.
func (h *ChannelHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.svc.Test(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, res)
}
