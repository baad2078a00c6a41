package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/agent-monitor/internal/adapter/api/handler"
	"github.com/V4T54L/agent-monitor/internal/adapter/api/middleware"
)

// Handlers groups the handlers mounted on the public router.
type Handlers struct {
	Metrics  *handler.MetricsHandler
	Alerts   *handler.AlertHandler
	Rules    *handler.RuleHandler
	Channels *handler.ChannelHandler
	WS       *handler.WSHandler
	SSE      *handler.SSEHandler
}

// NewRouter creates and configures the main HTTP router of the monitor.
func NewRouter(h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Metrics
	mux.HandleFunc("POST /metrics", h.Metrics.Ingest)
	mux.HandleFunc("GET /metrics", h.Metrics.Query)

	// Alerts
	mux.HandleFunc("GET /alerts", h.Alerts.List)
	mux.HandleFunc("GET /alerts/{id}", h.Alerts.Get)
	mux.HandleFunc("POST /alerts/{id}/resolve", h.Alerts.Resolve)
	mux.HandleFunc("POST /alerts/{id}/silence", h.Alerts.Silence)

	// Alert rules
	mux.HandleFunc("GET /alert-rules", h.Rules.List)
	mux.HandleFunc("POST /alert-rules", h.Rules.Create)
	mux.HandleFunc("GET /alert-rules/{id}", h.Rules.Get)
	mux.HandleFunc("PUT /alert-rules/{id}", h.Rules.Update)
	mux.HandleFunc("DELETE /alert-rules/{id}", h.Rules.Delete)

	// Notification channels
	mux.HandleFunc("GET /notification-channels", h.Channels.List)
	mux.HandleFunc("POST /notification-channels", h.Channels.Create)
	mux.HandleFunc("GET /notification-channels/{id}", h.Channels.Get)
	mux.HandleFunc("PUT /notification-channels/{id}", h.Channels.Update)
	mux.HandleFunc("DELETE /notification-channels/{id}", h.Channels.Delete)
	mux.HandleFunc("POST /notification-channels/{id}/test", h.Channels.Test)

	// Streaming
	mux.Handle("GET /ws/metrics", h.WS)
	mux.Handle("GET /events", h.SSE)

	// Health check
	mux.HandleFunc("GET /health", handler.Health)

	return middleware.Logging(logger)(mux)
}
