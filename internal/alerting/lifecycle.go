package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

// Lifecycle owns the alert state machine. Every transition for a
// (rule, entity) pair runs under that pair's lock; open alerts are kept as
// immutable snapshots keyed by their dedup key.
type Lifecycle struct {
	alerts   domain.AlertRepository
	rules    domain.RuleRepository
	events   domain.EventPublisher
	notifier domain.NotificationQueue
	logger   *slog.Logger
	metrics  *metrics.Metrics

	locks     *keyedMutex
	open      sync.Map // dedup key -> *domain.Alert
	openCount atomic.Int64

	now func() time.Time
}

// NewLifecycle creates the lifecycle manager. Call Load before the first evaluation.
func NewLifecycle(alerts domain.AlertRepository, rules domain.RuleRepository, events domain.EventPublisher,
	notifier domain.NotificationQueue, logger *slog.Logger, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		alerts:   alerts,
		rules:    rules,
		events:   events,
		notifier: notifier,
		logger:   logger.With("component", "alert_lifecycle"),
		metrics:  m,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load rebuilds the registry from persisted open alerts.
func (l *Lifecycle) Load(ctx context.Context) error {
	open, err := l.alerts.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}
	var n int64
	for _, a := range open {
		snap := *a
		if _, loaded := l.open.LoadOrStore(snap.DedupKey(), &snap); loaded {
			l.logger.Warn("duplicate open alert in store, keeping the first", "alert_id", snap.ID, "entity_key", snap.EntityKey)
			continue
		}
		n++
	}
	l.openCount.Store(n)
	l.metrics.OpenAlerts.Set(float64(n))
	l.logger.Info("alert registry loaded", "open_alerts", n)
	return nil
}

// Observe applies one evaluation result for an entity of rule.
func (l *Lifecycle) Observe(ctx context.Context, rule *domain.AlertRule, entity domain.Labels, value float64, breach bool) error {
	key := domain.DedupKey(rule.ID, entity.Key())
	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.now()
	cur, ok := l.lookup(key)
	if !ok {
		if !breach {
			return nil
		}
		return l.create(ctx, rule, entity, value, now)
	}

	next := *cur
	next.CurrentValue = value
	next.UpdatedAt = now

	switch {
	case cur.Status == domain.AlertSilenced && cur.SilencedUntil != nil && now.Before(*cur.SilencedUntil):
		return l.save(ctx, key, &next)

	case cur.Status == domain.AlertSilenced && breach:
		next.Status = domain.AlertActive
		next.SilencedUntil = nil
		next.Message = alertMessage(rule, value)
		if err := l.save(ctx, key, &next); err != nil {
			return err
		}
		l.metrics.AlertTransitions.WithLabelValues("reactivated").Inc()
		l.logger.Info("silence expired, alert still firing", "alert_id", next.ID, "rule_id", rule.ID)
		l.events.Publish(domain.NewAlertEvent(domain.EventAlertUpdated, next))
		l.notify(domain.NewNotification(domain.NotifyFiring, next, *rule, now))
		return nil

	case cur.Status == domain.AlertSilenced:
		// The silence covered the whole breach, so nobody is told it ended.
		_, err := l.resolve(ctx, key, &next, now)
		return err

	case breach:
		return l.save(ctx, key, &next)

	default:
		resolved, err := l.resolve(ctx, key, &next, now)
		if err != nil {
			return err
		}
		l.notify(domain.NewNotification(domain.NotifyResolved, *resolved, *rule, now))
		return nil
	}
}

// Silence suppresses notifications for an open alert until now+d.
// Silencing a silenced alert replaces its expiry.
func (l *Lifecycle) Silence(ctx context.Context, id uuid.UUID, d time.Duration) (*domain.Alert, error) {
	if d <= 0 {
		return nil, &domain.ValidationError{Field: "duration", Reason: "must be positive"}
	}
	key, unlock, cur, err := l.lockOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now()
	until := now.Add(d)
	next := *cur
	next.Status = domain.AlertSilenced
	next.SilencedUntil = &until
	next.UpdatedAt = now
	if err := l.save(ctx, key, &next); err != nil {
		return nil, err
	}
	l.metrics.AlertTransitions.WithLabelValues("silenced").Inc()
	l.logger.Info("alert silenced", "alert_id", id, "until", until)
	l.events.Publish(domain.NewAlertEvent(domain.EventAlertUpdated, next))
	return &next, nil
}

// Resolve closes an open alert by hand and sends the resolution notification.
func (l *Lifecycle) Resolve(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	key, unlock, cur, err := l.lockOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now()
	next := *cur
	next.UpdatedAt = now
	resolved, err := l.resolve(ctx, key, &next, now)
	if err != nil {
		return nil, err
	}

	rule, err := l.rules.FindByID(ctx, resolved.RuleID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		l.logger.Info("rule of resolved alert no longer exists, skipping notification", "alert_id", id)
	case err != nil:
		l.logger.Error("failed to load rule for resolution notification", "error", err, "alert_id", id)
	default:
		l.notify(domain.NewNotification(domain.NotifyResolved, *resolved, *rule, now))
	}
	return resolved, nil
}

// Open returns a snapshot of every open alert.
func (l *Lifecycle) Open() []domain.Alert {
	var out []domain.Alert
	l.open.Range(func(_, v any) bool {
		out = append(out, *v.(*domain.Alert))
		return true
	})
	return out
}

// lockOpen finds the open alert with id and returns it with its key lock held.
func (l *Lifecycle) lockOpen(ctx context.Context, id uuid.UUID) (string, func(), *domain.Alert, error) {
	stored, err := l.alerts.FindByID(ctx, id)
	if err != nil {
		return "", nil, nil, err
	}
	key := stored.DedupKey()
	unlock := l.locks.Lock(key)

	cur, ok := l.lookup(key)
	if !ok || cur.ID != id {
		unlock()
		return "", nil, nil, fmt.Errorf("alert %s is %s: %w", id, domain.AlertResolved, domain.ErrInvalidTransition)
	}
	return key, unlock, cur, nil
}

func (l *Lifecycle) lookup(key string) (*domain.Alert, bool) {
	v, ok := l.open.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*domain.Alert), true
}

func (l *Lifecycle) create(ctx context.Context, rule *domain.AlertRule, entity domain.Labels, value float64, now time.Time) error {
	if l.ruleDeleted(ctx, rule.ID) {
		l.logger.Info("rule deleted during evaluation, not opening alert", "rule_id", rule.ID, "entity_key", entity.Key())
		return nil
	}
	a := &domain.Alert{
		ID:           uuid.New(),
		RuleID:       rule.ID,
		EntityKey:    entity.Key(),
		Labels:       entity.Clone(),
		Severity:     rule.Severity,
		Status:       domain.AlertActive,
		Message:      alertMessage(rule, value),
		CurrentValue: value,
		Threshold:    rule.Threshold,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.alerts.Create(ctx, a); err != nil {
		return fmt.Errorf("failed to persist alert for rule %s: %w", rule.ID, err)
	}
	l.open.Store(a.DedupKey(), a)
	l.metrics.OpenAlerts.Set(float64(l.openCount.Add(1)))
	l.metrics.AlertTransitions.WithLabelValues("created").Inc()

	// A delete that snapshotted the registry before the store above cannot
	// see this alert, so close it here.
	if l.ruleDeleted(ctx, rule.ID) {
		next := *a
		_, err := l.resolve(ctx, a.DedupKey(), &next, now)
		return err
	}

	l.logger.Info("alert created", "alert_id", a.ID, "rule_id", rule.ID, "entity_key", a.EntityKey, "value", value)
	l.events.Publish(domain.NewAlertEvent(domain.EventAlertCreated, *a))
	l.notify(domain.NewNotification(domain.NotifyFiring, *a, *rule, now))
	return nil
}

// ruleDeleted reports whether the rule is known to be gone. Lookup
// failures count as present so a flaky store never suppresses an alert.
func (l *Lifecycle) ruleDeleted(ctx context.Context, id uuid.UUID) bool {
	_, err := l.rules.FindByID(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		l.logger.Warn("failed to confirm rule before opening alert", "error", err, "rule_id", id)
	}
	return errors.Is(err, domain.ErrNotFound)
}

// save persists next and swaps it into the registry.
func (l *Lifecycle) save(ctx context.Context, key string, next *domain.Alert) error {
	if err := l.alerts.Update(ctx, next); err != nil {
		return fmt.Errorf("failed to persist alert %s: %w", next.ID, err)
	}
	l.open.Store(key, next)
	return nil
}

func (l *Lifecycle) resolve(ctx context.Context, key string, next *domain.Alert, now time.Time) (*domain.Alert, error) {
	next.Status = domain.AlertResolved
	next.ResolvedAt = &now
	next.SilencedUntil = nil
	if err := l.alerts.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist alert %s: %w", next.ID, err)
	}
	l.open.Delete(key)
	l.metrics.OpenAlerts.Set(float64(l.openCount.Add(-1)))
	l.metrics.AlertTransitions.WithLabelValues("resolved").Inc()

	l.logger.Info("alert resolved", "alert_id", next.ID, "rule_id", next.RuleID, "entity_key", next.EntityKey)
	l.events.Publish(domain.NewAlertEvent(domain.EventAlertResolved, *next))
	return next, nil
}

func (l *Lifecycle) notify(n domain.Notification) {
	if len(n.ChannelIDs) == 0 {
		return
	}
	if !l.notifier.Enqueue(n) {
		l.logger.Warn("notification dropped", "alert_id", n.Alert.ID, "kind", n.Kind)
	}
}

func alertMessage(rule *domain.AlertRule, value float64) string {
	return fmt.Sprintf("%s: %s is %g (%s %g)", rule.Name, rule.MetricName, value, rule.Operator, rule.Threshold)
}
