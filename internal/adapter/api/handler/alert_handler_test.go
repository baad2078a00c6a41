package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

func TestAlertHandler_List(t *testing.T) {
	f := newFixture(t, 1<<20)
	rule := f.seedRule(t)
	a := f.seedAlert(t, rule)

	tests := []struct {
		name           string
		target         string
		expectedStatus int
		expectedCount  int
	}{
		{"All", "/alerts", http.StatusOK, 1},
		{"By Status", "/alerts?status=active", http.StatusOK, 1},
		{"Other Status", "/alerts?status=resolved", http.StatusOK, 0},
		{"By Rule", "/alerts?rule_id=" + rule.ID.String(), http.StatusOK, 1},
		{"Other Rule", "/alerts?rule_id=" + uuid.NewString(), http.StatusOK, 0},
		{"Unknown Status", "/alerts?status=firing", http.StatusBadRequest, 0},
		{"Bad Rule ID", "/alerts?rule_id=abc", http.StatusBadRequest, 0},
		{"Bad Limit", "/alerts?limit=ten", http.StatusBadRequest, 0},
		{"Negative Limit", "/alerts?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(http.MethodGet, tc.target, "", "")
			if rr.Code != tc.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tc.expectedStatus, rr.Code, rr.Body.String())
			}
			if rr.Code != http.StatusOK {
				return
			}
			alerts := decodeBody[[]domain.Alert](t, rr)
			if len(alerts) != tc.expectedCount {
				t.Errorf("expected %d alerts, got %d", tc.expectedCount, len(alerts))
			}
			if len(alerts) == 1 && alerts[0].ID != a.ID {
				t.Errorf("expected alert %s, got %s", a.ID, alerts[0].ID)
			}
		})
	}
}

func TestAlertHandler_Get(t *testing.T) {
	f := newFixture(t, 1<<20)
	a := f.seedAlert(t, f.seedRule(t))

	if rr := f.do(http.MethodGet, "/alerts/"+a.ID.String(), "", ""); rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/alerts/"+uuid.NewString(), "", ""); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown alert, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/alerts/not-a-uuid", "", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", rr.Code)
	}
}

func TestAlertHandler_Silence(t *testing.T) {
	f := newFixture(t, 1<<20)
	a := f.seedAlert(t, f.seedRule(t))
	target := "/alerts/" + a.ID.String() + "/silence"

	rr := f.do(http.MethodPost, target, "application/json", `{"duration":"30m"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[domain.Alert](t, rr)
	if got.Status != domain.AlertSilenced || got.SilencedUntil == nil {
		t.Fatalf("expected a silenced alert, got %+v", got)
	}
	if d := time.Until(*got.SilencedUntil); d < 29*time.Minute || d > 31*time.Minute {
		t.Errorf("expected a silence of about 30m, got %v", d)
	}

	for _, body := range []string{`{"duration":"0s"}`, `{"duration":"soon"}`, `{"until":"1h"}`} {
		if rr := f.do(http.MethodPost, target, "application/json", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestAlertHandler_Resolve(t *testing.T) {
	f := newFixture(t, 1<<20)
	a := f.seedAlert(t, f.seedRule(t, uuid.New()))
	target := "/alerts/" + a.ID.String() + "/resolve"

	rr := f.do(http.MethodPost, target, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[domain.Alert](t, rr)
	if got.Status != domain.AlertResolved || got.ResolvedAt == nil {
		t.Errorf("expected a resolved alert, got %+v", got)
	}
	if len(f.queue.got) != 1 || f.queue.got[0].Kind != domain.NotifyResolved {
		t.Errorf("expected one resolution notification, got %+v", f.queue.got)
	}

	if rr := f.do(http.MethodPost, target, "", ""); rr.Code != http.StatusConflict {
		t.Errorf("expected 409 when resolving twice, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/alerts/"+a.ID.String()+"/silence", "application/json", `{"duration":"1h"}`); rr.Code != http.StatusConflict {
		t.Errorf("expected 409 when silencing a resolved alert, got %d", rr.Code)
	}
}
