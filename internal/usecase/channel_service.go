package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// ChannelTester sends a one-off test notification through a channel.
type ChannelTester interface {
	Test(ctx context.Context, channelID uuid.UUID) error
}

// ConfigMasker hides channel secrets in API output and restores them when a
// masked config comes back in an update.
type ConfigMasker interface {
	Mask(cfg json.RawMessage) json.RawMessage
	Unmask(incoming, stored json.RawMessage) json.RawMessage
}

type noMask struct{}

func (noMask) Mask(cfg json.RawMessage) json.RawMessage           { return cfg }
func (noMask) Unmask(incoming, _ json.RawMessage) json.RawMessage { return incoming }

// ChannelService implements notification channel CRUD and testing. Every
// channel it returns has its config masked.
type ChannelService struct {
	channels domain.ChannelRepository
	tester   ChannelTester
	masker   ConfigMasker
	logger   *slog.Logger
	now      func() time.Time
}

// NewChannelService creates the service. A nil masker returns configs as stored.
func NewChannelService(channels domain.ChannelRepository, tester ChannelTester, masker ConfigMasker, logger *slog.Logger) *ChannelService {
	if masker == nil {
		masker = noMask{}
	}
	return &ChannelService{
		channels: channels,
		tester:   tester,
		masker:   masker,
		logger:   logger.With("component", "channel_service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *ChannelService) List(ctx context.Context) ([]*domain.NotificationChannel, error) {
	channels, err := s.channels.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		ch.Config = s.masker.Mask(ch.Config)
	}
	return channels, nil
}

func (s *ChannelService) Get(ctx context.Context, id uuid.UUID) (*domain.NotificationChannel, error) {
	ch, err := s.channels.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Config = s.masker.Mask(ch.Config)
	return ch, nil
}

// Create validates and stores a channel. New channels start healthy.
func (s *ChannelService) Create(ctx context.Context, ch *domain.NotificationChannel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	ch.ID = uuid.New()
	ch.Health = domain.HealthOK
	ch.LastError = ""
	ch.CreatedAt = s.now()
	ch.UpdatedAt = ch.CreatedAt
	if err := s.channels.Create(ctx, ch); err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	s.logger.Info("channel created", "channel_id", ch.ID, "type", ch.Type)
	ch.Config = s.masker.Mask(ch.Config)
	return nil
}

// Update replaces a channel. Masked secrets in the submitted config keep their
// stored values. Changing the type or config resets its health.
func (s *ChannelService) Update(ctx context.Context, id uuid.UUID, ch *domain.NotificationChannel) error {
	existing, err := s.channels.FindByID(ctx, id)
	if err != nil {
		return err
	}
	ch.Config = s.masker.Unmask(ch.Config, existing.Config)
	if err := ch.Validate(); err != nil {
		return err
	}
	ch.ID = id
	ch.CreatedAt = existing.CreatedAt
	ch.UpdatedAt = s.now()
	ch.Health, ch.LastError = existing.Health, existing.LastError
	if ch.Type != existing.Type || !sameConfig(ch.Config, existing.Config) {
		ch.Health, ch.LastError = domain.HealthOK, ""
	}
	if err := s.channels.Update(ctx, ch); err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	s.logger.Info("channel updated", "channel_id", id)
	ch.Config = s.masker.Mask(ch.Config)
	return nil
}

// sameConfig compares configs as JSON values, ignoring key order and spacing.
func sameConfig(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// Delete removes a channel. Rules still listing it skip it at dispatch time.
func (s *ChannelService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.channels.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("channel deleted", "channel_id", id)
	return nil
}

// TestResult reports the outcome of a channel test.
type TestResult struct {
	Success bool                        `json:"success"`
	Error   string                      `json:"error,omitempty"`
	Channel *domain.NotificationChannel `json:"channel"`
}

// Test sends a test notification and returns the refreshed channel.
// A delivery failure is reported in the result, not as an error.
func (s *ChannelService) Test(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	res := &TestResult{Success: true}
	if err := s.tester.Test(ctx, id); err != nil {
		var delivery *domain.NotificationDeliveryError
		if !errors.As(err, &delivery) {
			return nil, err
		}
		res.Success, res.Error = false, delivery.Err.Error()
		s.logger.Warn("channel test failed", "channel_id", id, "error", delivery.Err)
	}
	ch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Channel = ch
	return res, nil
}
