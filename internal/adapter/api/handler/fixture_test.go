package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/adapter/redact"
	"github.com/V4T54L/agent-monitor/internal/adapter/repository/memory"
	"github.com/V4T54L/agent-monitor/internal/alerting"
	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/domain/mocks"
	"github.com/V4T54L/agent-monitor/internal/hub"
	"github.com/V4T54L/agent-monitor/internal/usecase"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type queue struct {
	mu  sync.Mutex
	got []domain.Notification
}

func (q *queue) Enqueue(n domain.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got = append(q.got, n)
	return true
}

type tester struct {
	err error
}

func (t *tester) Test(ctx context.Context, id uuid.UUID) error { return t.err }

// fixture wires every handler against in-memory repositories.
type fixture struct {
	store     *mocks.MockMetricRepository
	cache     *mocks.MockRecentCache
	rules     *mocks.MockRuleRepository
	alerts    *mocks.MockAlertRepository
	channels  *mocks.MockChannelRepository
	lifecycle *alerting.Lifecycle
	hub       *hub.Hub
	queue     *queue
	tester    *tester
	mux       *http.ServeMux
}

func newFixture(t *testing.T, maxBody int64) *fixture {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	f := &fixture{
		store:    &mocks.MockMetricRepository{},
		cache:    &mocks.MockRecentCache{RecentCache: memory.NewRecentCache(15*time.Minute, 1000, testLogger)},
		rules:    mocks.NewMockRuleRepository(),
		alerts:   mocks.NewMockAlertRepository(),
		channels: mocks.NewMockChannelRepository(),
		hub:      hub.New(16, testLogger, m),
		queue:    &queue{},
		tester:   &tester{},
		mux:      http.NewServeMux(),
	}
	f.lifecycle = alerting.NewLifecycle(f.alerts, f.rules, f.hub, f.queue, testLogger, m)

	ingest := usecase.NewIngestMetricUseCase(f.store, f.cache, f.hub, testLogger, m)
	query := usecase.NewQueryMetricUseCase(f.store, f.cache, 10000, testLogger, m)
	mh := NewMetricsHandler(ingest, query, testLogger, maxBody)
	ah := NewAlertHandler(usecase.NewAlertService(f.alerts, f.lifecycle), testLogger)
	rh := NewRuleHandler(usecase.NewRuleService(f.rules, f.channels, f.lifecycle, testLogger), testLogger)
	ch := NewChannelHandler(usecase.NewChannelService(f.channels, f.tester, redact.NewRedactor([]string{"password", "authorization"}, testLogger), testLogger), testLogger)

	f.mux.HandleFunc("POST /metrics", mh.Ingest)
	f.mux.HandleFunc("GET /metrics", mh.Query)
	f.mux.HandleFunc("GET /alerts", ah.List)
	f.mux.HandleFunc("GET /alerts/{id}", ah.Get)
	f.mux.HandleFunc("POST /alerts/{id}/resolve", ah.Resolve)
	f.mux.HandleFunc("POST /alerts/{id}/silence", ah.Silence)
	f.mux.HandleFunc("GET /alert-rules", rh.List)
	f.mux.HandleFunc("POST /alert-rules", rh.Create)
	f.mux.HandleFunc("GET /alert-rules/{id}", rh.Get)
	f.mux.HandleFunc("PUT /alert-rules/{id}", rh.Update)
	f.mux.HandleFunc("DELETE /alert-rules/{id}", rh.Delete)
	f.mux.HandleFunc("GET /notification-channels", ch.List)
	f.mux.HandleFunc("POST /notification-channels", ch.Create)
	f.mux.HandleFunc("GET /notification-channels/{id}", ch.Get)
	f.mux.HandleFunc("PUT /notification-channels/{id}", ch.Update)
	f.mux.HandleFunc("DELETE /notification-channels/{id}", ch.Delete)
	f.mux.HandleFunc("POST /notification-channels/{id}/test", ch.Test)
	f.mux.Handle("GET /events", NewSSEHandler(f.hub, testLogger, time.Second))
	f.mux.Handle("GET /ws/metrics", NewWSHandler(f.hub, testLogger, time.Second))
	return f
}

// do sends a request through the mux and returns the recorder.
func (f *fixture) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

// seedAlert stores an active alert and loads it into the lifecycle.
func (f *fixture) seedAlert(t *testing.T, rule *domain.AlertRule) *domain.Alert {
	t.Helper()
	now := time.Now().UTC()
	a := &domain.Alert{
		ID:           uuid.New(),
		RuleID:       rule.ID,
		EntityKey:    "agent_id=a1",
		Labels:       domain.Labels{"agent_id": "a1"},
		Severity:     rule.Severity,
		Status:       domain.AlertActive,
		Message:      "cpu_usage above 80",
		CurrentValue: 95,
		Threshold:    rule.Threshold,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.alerts.Create(context.Background(), a); err != nil {
		t.Fatalf("failed to seed alert: %v", err)
	}
	if err := f.lifecycle.Load(context.Background()); err != nil {
		t.Fatalf("failed to load lifecycle: %v", err)
	}
	return a
}

func (f *fixture) seedRule(t *testing.T, channels ...uuid.UUID) *domain.AlertRule {
	t.Helper()
	now := time.Now().UTC()
	r := &domain.AlertRule{
		ID:                   uuid.New(),
		Name:                 "high cpu",
		MetricName:           "cpu_usage",
		Operator:             domain.OpGT,
		Threshold:            80,
		Severity:             domain.SeverityHigh,
		Enabled:              true,
		NotificationChannels: append([]uuid.UUID{}, channels...),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := f.rules.Create(context.Background(), r); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}
	return r
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}
