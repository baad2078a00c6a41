package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/domain/mocks"
)

type recordingQueue struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (q *recordingQueue) Enqueue(n domain.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
	return true
}

func (q *recordingQueue) kinds() []domain.NotificationKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.NotificationKind, len(q.items))
	for i, n := range q.items {
		out[i] = n.Kind
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type lifecycleFixture struct {
	lc     *Lifecycle
	alerts *mocks.MockAlertRepository
	rules  *mocks.MockRuleRepository
	queue  *recordingQueue
	events *recordingPublisher
	clock  *fakeClock
}

func newLifecycleFixture(t *testing.T, rules ...*domain.AlertRule) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		alerts: mocks.NewMockAlertRepository(),
		rules:  mocks.NewMockRuleRepository(rules...),
		queue:  &recordingQueue{},
		events: &recordingPublisher{},
		clock:  &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.lc = NewLifecycle(f.alerts, f.rules, f.events, f.queue, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	f.lc.now = f.clock.Now
	require.NoError(t, f.lc.Load(context.Background()))
	return f
}

func cpuRule() *domain.AlertRule {
	return &domain.AlertRule{
		ID:                   uuid.New(),
		Name:                 "high cpu",
		MetricName:           "cpu_usage",
		Operator:             domain.OpGT,
		Threshold:            80,
		Severity:             domain.SeverityHigh,
		Enabled:              true,
		NotificationChannels: []uuid.UUID{uuid.New()},
	}
}

func (f *lifecycleFixture) observe(t *testing.T, rule *domain.AlertRule, entity domain.Labels, value float64) {
	t.Helper()
	breach, err := rule.Operator.Compare(value, rule.Threshold)
	require.NoError(t, err)
	require.NoError(t, f.lc.Observe(context.Background(), rule, entity, value, breach))
}

func TestLifecycle_BreachResolveRebreach(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}

	f.observe(t, rule, agent, 85)
	alerts := f.alerts.ByRule(rule.ID)
	require.Len(t, alerts, 1)
	first := alerts[0]
	assert.Equal(t, domain.AlertActive, first.Status)
	assert.Equal(t, "agent_id=a1", first.EntityKey)
	assert.Equal(t, 85.0, first.CurrentValue)
	assert.Equal(t, 80.0, first.Threshold)

	f.observe(t, rule, agent, 90)
	f.observe(t, rule, agent, 95)
	alerts = f.alerts.ByRule(rule.ID)
	require.Len(t, alerts, 1, "further breaches must not create alerts")
	assert.Equal(t, 95.0, alerts[0].CurrentValue)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring}, f.queue.kinds())

	f.clock.Advance(time.Minute)
	f.observe(t, rule, agent, 70)
	resolved, err := f.alerts.FindByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, f.clock.Now(), *resolved.ResolvedAt)
	assert.Empty(t, f.lc.Open())

	f.clock.Advance(time.Minute)
	f.observe(t, rule, agent, 85)
	alerts = f.alerts.ByRule(rule.ID)
	require.Len(t, alerts, 2)
	assert.NotEqual(t, first.ID, alerts[1].ID, "a re-breach opens a fresh alert")
	assert.Equal(t, domain.AlertResolved, alerts[0].Status, "resolved alerts stay resolved")

	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring, domain.NotifyResolved, domain.NotifyFiring}, f.queue.kinds())
	assert.Equal(t, []domain.EventType{domain.EventAlertCreated, domain.EventAlertResolved, domain.EventAlertCreated}, f.events.types())
}

func TestLifecycle_NonBreachWithoutAlertIsNoop(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)

	f.observe(t, rule, domain.Labels{"agent_id": "a1"}, 10)
	assert.Equal(t, 0, f.alerts.CreateCalls)
	assert.Empty(t, f.events.types())
}

func TestLifecycle_SilenceThenStillBreaching(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}
	ctx := context.Background()

	f.observe(t, rule, agent, 85)
	id := f.alerts.ByRule(rule.ID)[0].ID

	silenced, err := f.lc.Silence(ctx, id, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertSilenced, silenced.Status)
	require.NotNil(t, silenced.SilencedUntil)

	// Inside the silence only the value moves.
	f.clock.Advance(10 * time.Minute)
	f.observe(t, rule, agent, 99)
	f.observe(t, rule, agent, 50)
	stored, err := f.alerts.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertSilenced, stored.Status)
	assert.Equal(t, 50.0, stored.CurrentValue)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring}, f.queue.kinds())

	f.clock.Advance(25 * time.Minute)
	f.observe(t, rule, agent, 91)
	stored, err = f.alerts.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertActive, stored.Status)
	assert.Nil(t, stored.SilencedUntil)
	assert.Len(t, f.alerts.ByRule(rule.ID), 1, "reactivation keeps the same alert")
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring, domain.NotifyFiring}, f.queue.kinds())
	assert.Equal(t, []domain.EventType{domain.EventAlertCreated, domain.EventAlertUpdated, domain.EventAlertUpdated}, f.events.types())
}

func TestLifecycle_SilenceExpiresWithoutBreach(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}

	f.observe(t, rule, agent, 85)
	id := f.alerts.ByRule(rule.ID)[0].ID
	_, err := f.lc.Silence(context.Background(), id, time.Minute)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	f.observe(t, rule, agent, 60)

	stored, err := f.alerts.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring}, f.queue.kinds(), "resolution after a silence is not notified")
	assert.Contains(t, f.events.types(), domain.EventAlertResolved)
}

func TestLifecycle_ManualTransitions(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	ctx := context.Background()

	f.observe(t, rule, domain.Labels{"agent_id": "a1"}, 85)
	id := f.alerts.ByRule(rule.ID)[0].ID

	_, err := f.lc.Silence(ctx, id, 0)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	first, err := f.lc.Silence(ctx, id, time.Hour)
	require.NoError(t, err)
	second, err := f.lc.Silence(ctx, id, 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, second.SilencedUntil.After(*first.SilencedUntil), "re-silencing replaces the expiry")

	resolved, err := f.lc.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, resolved.Status)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring, domain.NotifyResolved}, f.queue.kinds())

	_, err = f.lc.Resolve(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.lc.Silence(ctx, id, time.Hour)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.lc.Resolve(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLifecycle_ManualResolveOfDeletedRule(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	ctx := context.Background()

	f.observe(t, rule, domain.Labels{"agent_id": "a1"}, 85)
	id := f.alerts.ByRule(rule.ID)[0].ID
	require.NoError(t, f.rules.Delete(ctx, rule.ID))

	_, err := f.lc.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring}, f.queue.kinds())
}

func TestLifecycle_RulesAreIndependent(t *testing.T) {
	r1, r2 := cpuRule(), cpuRule()
	r2.Threshold = 50
	f := newLifecycleFixture(t, r1, r2)
	agent := domain.Labels{"agent_id": "a1"}

	f.observe(t, r1, agent, 85)
	f.observe(t, r2, agent, 85)
	assert.Len(t, f.alerts.ByRule(r1.ID), 1)
	assert.Len(t, f.alerts.ByRule(r2.ID), 1)
	assert.Len(t, f.lc.Open(), 2)
}

func TestLifecycle_ConcurrentBreachesCreateOneAlert(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			assert.NoError(t, f.lc.Observe(context.Background(), rule, agent, v, true))
		}(81 + float64(i))
	}
	wg.Wait()

	assert.Equal(t, 1, f.alerts.CreateCalls)
	assert.Len(t, f.alerts.ByRule(rule.ID), 1)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring}, f.queue.kinds())
}

func TestLifecycle_LoadRebuildsRegistry(t *testing.T) {
	rule := cpuRule()
	alerts := mocks.NewMockAlertRepository()
	existing := &domain.Alert{
		ID:        uuid.New(),
		RuleID:    rule.ID,
		EntityKey: "agent_id=a1",
		Labels:    domain.Labels{"agent_id": "a1"},
		Severity:  rule.Severity,
		Status:    domain.AlertActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, alerts.Create(context.Background(), existing))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := &recordingQueue{}
	lc := NewLifecycle(alerts, mocks.NewMockRuleRepository(rule), &recordingPublisher{}, queue, logger,
		metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, lc.Load(context.Background()))
	require.Len(t, lc.Open(), 1)

	// A breach for the loaded key refreshes it instead of opening a second alert.
	require.NoError(t, lc.Observe(context.Background(), rule, existing.Labels, 90, true))
	assert.Len(t, alerts.ByRule(rule.ID), 1)

	require.NoError(t, lc.Observe(context.Background(), rule, existing.Labels, 10, false))
	stored, err := alerts.FindByID(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, stored.Status)
}

func TestLifecycle_PersistFailureKeepsState(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}

	f.observe(t, rule, agent, 85)
	f.alerts.UpdateErr = errors.New("connection reset")

	err := f.lc.Observe(context.Background(), rule, agent, 10, false)
	require.Error(t, err)
	open := f.lc.Open()
	require.Len(t, open, 1)
	assert.Equal(t, domain.AlertActive, open[0].Status)
	assert.Equal(t, []domain.NotificationKind{domain.NotifyFiring}, f.queue.kinds())
}

func TestLifecycle_DelimitersInLabelsKeepEntitiesApart(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t, rule)
	forged := domain.Labels{"agent_id": "a1,host=h1"}
	genuine := domain.Labels{"agent_id": "a1", "host": "h1"}

	f.observe(t, rule, forged, 90)
	f.observe(t, rule, genuine, 90)
	require.Len(t, f.lc.Open(), 2)

	f.observe(t, rule, forged, 10)
	open := f.lc.Open()
	require.Len(t, open, 1)
	assert.Equal(t, genuine.Key(), open[0].EntityKey)
	assert.Equal(t, domain.AlertActive, open[0].Status)
}

func TestLifecycle_DeletedRuleOpensNoAlert(t *testing.T) {
	rule := cpuRule()
	f := newLifecycleFixture(t)

	f.observe(t, rule, domain.Labels{"agent_id": "a1"}, 95)
	assert.Empty(t, f.lc.Open())
	assert.Empty(t, f.alerts.ByRule(rule.ID))
	assert.Empty(t, f.queue.kinds())
}

// deletingRules drops the rule right after the first lookup, the way a
// concurrent delete lands between the check and the registry store.
type deletingRules struct {
	*mocks.MockRuleRepository
	calls int
}

func (r *deletingRules) FindByID(ctx context.Context, id uuid.UUID) (*domain.AlertRule, error) {
	rule, err := r.MockRuleRepository.FindByID(ctx, id)
	r.calls++
	if r.calls == 1 {
		_ = r.MockRuleRepository.Delete(ctx, id)
	}
	return rule, err
}

func TestLifecycle_RuleDeletedMidCreateIsResolved(t *testing.T) {
	rule := cpuRule()
	alerts := mocks.NewMockAlertRepository()
	rules := &deletingRules{MockRuleRepository: mocks.NewMockRuleRepository(rule)}
	queue := &recordingQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := NewLifecycle(alerts, rules, &recordingPublisher{}, queue, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, lc.Load(context.Background()))

	require.NoError(t, lc.Observe(context.Background(), rule, domain.Labels{"agent_id": "a1"}, 95, true))
	assert.Empty(t, lc.Open())
	stored := alerts.ByRule(rule.ID)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.AlertResolved, stored[0].Status)
	assert.Empty(t, queue.kinds())
}
