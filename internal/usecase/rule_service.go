package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// AlertLifecycle is the part of the lifecycle manager the services drive.
type AlertLifecycle interface {
	Open() []domain.Alert
	Resolve(ctx context.Context, id uuid.UUID) (*domain.Alert, error)
	Silence(ctx context.Context, id uuid.UUID, d time.Duration) (*domain.Alert, error)
}

// RuleService implements alert rule CRUD.
type RuleService struct {
	rules     domain.RuleRepository
	channels  domain.ChannelRepository
	lifecycle AlertLifecycle
	logger    *slog.Logger
	now       func() time.Time
}

func NewRuleService(rules domain.RuleRepository, channels domain.ChannelRepository, lifecycle AlertLifecycle, logger *slog.Logger) *RuleService {
	return &RuleService{
		rules:     rules,
		channels:  channels,
		lifecycle: lifecycle,
		logger:    logger.With("component", "rule_service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *RuleService) List(ctx context.Context) ([]*domain.AlertRule, error) {
	return s.rules.List(ctx)
}

func (s *RuleService) Get(ctx context.Context, id uuid.UUID) (*domain.AlertRule, error) {
	return s.rules.FindByID(ctx, id)
}

// Create validates and stores a new rule. Server-owned fields are overwritten.
func (s *RuleService) Create(ctx context.Context, rule *domain.AlertRule) error {
	rule.ID = uuid.New()
	rule.ConfigError = ""
	rule.CreatedAt = s.now()
	rule.UpdatedAt = rule.CreatedAt
	if err := s.check(ctx, rule); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.Info("rule created", "rule_id", rule.ID, "metric_name", rule.MetricName)
	return nil
}

// Update replaces the rule with id. Open alerts keep running under the new definition.
func (s *RuleService) Update(ctx context.Context, id uuid.UUID, rule *domain.AlertRule) error {
	existing, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return err
	}
	rule.ID = id
	rule.ConfigError = ""
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	if err := s.check(ctx, rule); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	s.logger.Info("rule updated", "rule_id", id)
	return nil
}

// Delete removes the rule and resolves its open alerts. No resolution
// notifications are sent since the rule and its channel list are gone.
func (s *RuleService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	for _, a := range s.lifecycle.Open() {
		if a.RuleID != id {
			continue
		}
		if _, err := s.lifecycle.Resolve(ctx, a.ID); err != nil {
			s.logger.Error("failed to resolve alert of deleted rule", "error", err, "alert_id", a.ID, "rule_id", id)
		}
	}
	s.logger.Info("rule deleted", "rule_id", id)
	return nil
}

func (s *RuleService) check(ctx context.Context, rule *domain.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.NotificationChannels == nil {
		rule.NotificationChannels = []uuid.UUID{}
	}
	if len(rule.NotificationChannels) == 0 {
		return nil
	}
	found, err := s.channels.FindByIDs(ctx, rule.NotificationChannels)
	if err != nil {
		return fmt.Errorf("failed to load notification channels: %w", err)
	}
	known := make(map[uuid.UUID]bool, len(found))
	for _, ch := range found {
		known[ch.ID] = true
	}
	for _, id := range rule.NotificationChannels {
		if !known[id] {
			return &domain.ValidationError{Field: "notification_channels", Reason: fmt.Sprintf("unknown channel %s", id)}
		}
	}
	return nil
}
