package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/agent-monitor/internal/hub"
)

const sseHeartbeat = 15 * time.Second

// SSEHandler streams hub events as server-sent events.
type SSEHandler struct {
	hub          *hub.Hub
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewSSEHandler creates an SSE transport for the hub.
func NewSSEHandler(h *hub.Hub, logger *slog.Logger, writeTimeout time.Duration) *SSEHandler {
	return &SSEHandler{hub: h, logger: logger.With("component", "sse"), writeTimeout: writeTimeout}
}

// ServeHTTP handles GET /events?topic=. Each event is one "data:" frame
// holding the {type, data} envelope.
func (s *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hub.Subscribe(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := s.write(rc, func() error {
		_, err := fmt.Fprintf(w, ": connected %s\n\n", sub.ID())
		return err
	}); err != nil {
		s.hub.Evict(sub, err)
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		var frame func() error
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return // evicted or hub stopped
			}
			frame = func() error {
				_, err := fmt.Fprintf(w, "data: %s\n\n", msg)
				return err
			}
		case <-heartbeat.C:
			frame = func() error {
				_, err := fmt.Fprint(w, ": ping\n\n")
				return err
			}
		}
		if err := s.write(rc, frame); err != nil {
			s.hub.Evict(sub, err)
			return
		}
	}
}

// write runs one bounded write and flushes it.
func (s *SSEHandler) write(rc *http.ResponseController, frame func() error) error {
	if err := rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := frame(); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
