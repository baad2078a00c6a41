package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const maxAlertListLimit = 1000

// AlertService exposes alert history and the manual lifecycle transitions.
type AlertService struct {
	alerts    domain.AlertRepository
	lifecycle AlertLifecycle
}

func NewAlertService(alerts domain.AlertRepository, lifecycle AlertLifecycle) *AlertService {
	return &AlertService{alerts: alerts, lifecycle: lifecycle}
}

// List returns alerts newest first.
func (s *AlertService) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	switch filter.Status {
	case "", domain.AlertActive, domain.AlertSilenced, domain.AlertResolved:
	default:
		return nil, &domain.ValidationError{Field: "status", Reason: "must be active, silenced or resolved"}
	}
	if filter.Limit < 0 {
		return nil, &domain.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if filter.Limit == 0 || filter.Limit > maxAlertListLimit {
		filter.Limit = maxAlertListLimit
	}
	return s.alerts.List(ctx, filter)
}

func (s *AlertService) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return s.alerts.FindByID(ctx, id)
}

func (s *AlertService) Resolve(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return s.lifecycle.Resolve(ctx, id)
}

func (s *AlertService) Silence(ctx context.Context, id uuid.UUID, d time.Duration) (*domain.Alert, error) {
	return s.lifecycle.Silence(ctx, id, d)
}
