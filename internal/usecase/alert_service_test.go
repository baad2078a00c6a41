package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/domain/mocks"
)

func TestAlertService_List(t *testing.T) {
	repo := mocks.NewMockAlertRepository()
	ruleID := uuid.New()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []domain.AlertStatus{domain.AlertResolved, domain.AlertActive, domain.AlertResolved} {
		_ = repo.Create(context.Background(), &domain.Alert{
			ID:        uuid.New(),
			RuleID:    ruleID,
			EntityKey: "agent_id=a" + string(rune('0'+i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	svc := NewAlertService(repo, &fakeLifecycle{})

	all, err := svc.List(context.Background(), domain.AlertFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 alerts, got %d, %v", len(all), err)
	}
	if !all[0].CreatedAt.After(all[1].CreatedAt) {
		t.Error("expected newest first")
	}

	resolved, _ := svc.List(context.Background(), domain.AlertFilter{Status: domain.AlertResolved, Limit: 1})
	if len(resolved) != 1 || resolved[0].Status != domain.AlertResolved {
		t.Errorf("expected one resolved alert, got %+v", resolved)
	}

	var verr *domain.ValidationError
	if _, err := svc.List(context.Background(), domain.AlertFilter{Status: "firing"}); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for unknown status, got %v", err)
	}
}

func TestAlertService_Transitions(t *testing.T) {
	lc := &fakeLifecycle{}
	svc := NewAlertService(mocks.NewMockAlertRepository(), lc)
	id := uuid.New()

	if _, err := svc.Silence(context.Background(), id, 30*time.Minute); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if lc.silenced[id] != 30*time.Minute {
		t.Errorf("expected a 30m silence, got %v", lc.silenced[id])
	}
	if _, err := svc.Resolve(context.Background(), id); err != nil || len(lc.resolved) != 1 {
		t.Errorf("expected resolve to reach the lifecycle, got %v", err)
	}

	lc.err = domain.ErrInvalidTransition
	if _, err := svc.Resolve(context.Background(), id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
