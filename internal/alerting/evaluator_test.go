package alerting

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/adapter/repository/memory"
	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/domain/mocks"
)

type evaluatorFixture struct {
	*lifecycleFixture
	eval  *Evaluator
	cache *memory.RecentCache
	now   time.Time
}

func newEvaluatorFixture(t *testing.T, rules ...*domain.AlertRule) *evaluatorFixture {
	t.Helper()
	lf := newLifecycleFixture(t, rules...)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := memory.NewRecentCache(15*time.Minute, 100, logger)
	cfg := EvaluatorConfig{
		Interval:  time.Hour,
		Window:    5 * time.Minute,
		Staleness: 2 * time.Minute,
		Workers:   2,
	}
	f := &evaluatorFixture{
		lifecycleFixture: lf,
		eval:             NewEvaluator(cfg, lf.rules, cache, lf.lc, logger, metrics.NewMetrics(prometheus.NewRegistry())),
		cache:            cache,
		now:              time.Now().UTC(),
	}
	f.eval.now = func() time.Time { return f.now }
	return f
}

// push records a point one second after the previous evaluation time and moves the clock along.
func (f *evaluatorFixture) push(t *testing.T, metric string, labels domain.Labels, value float64) {
	t.Helper()
	f.now = f.now.Add(time.Second)
	require.NoError(t, f.cache.Append(context.Background(), []domain.MetricPoint{
		{MetricName: metric, Timestamp: f.now, Value: value, Labels: labels},
	}))
}

func TestEvaluator_MemoryUsageScenario(t *testing.T) {
	email, slack := uuid.New(), uuid.New()
	rule := &domain.AlertRule{
		ID:                   uuid.New(),
		Name:                 "memory pressure",
		MetricName:           "memory_usage",
		Operator:             domain.OpGTE,
		Threshold:            90,
		Severity:             domain.SeverityHigh,
		Enabled:              true,
		NotificationChannels: []uuid.UUID{email, slack},
	}
	f := newEvaluatorFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}
	ctx := context.Background()

	f.push(t, "memory_usage", agent, 92)
	f.eval.EvaluateAll(ctx)
	alerts := f.alerts.ByRule(rule.ID)
	require.Len(t, alerts, 1)
	first := alerts[0]
	assert.Equal(t, domain.AlertActive, first.Status)
	assert.Equal(t, domain.SeverityHigh, first.Severity)
	require.Len(t, f.queue.items, 1)
	assert.ElementsMatch(t, []uuid.UUID{email, slack}, f.queue.items[0].ChannelIDs)

	f.push(t, "memory_usage", agent, 88)
	f.eval.EvaluateAll(ctx)
	stored, err := f.alerts.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)

	f.push(t, "memory_usage", agent, 95)
	f.eval.EvaluateAll(ctx)
	alerts = f.alerts.ByRule(rule.ID)
	require.Len(t, alerts, 2)
	assert.NotEqual(t, first.ID, alerts[1].ID)
	assert.Equal(t, domain.AlertActive, alerts[1].Status)
}

func TestEvaluator_InvalidRuleFlaggedOthersUnaffected(t *testing.T) {
	bad := cpuRule()
	bad.Operator = "between"
	good := cpuRule()
	f := newEvaluatorFixture(t, bad, good)
	ctx := context.Background()

	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a1"}, 95)
	f.eval.EvaluateAll(ctx)

	assert.Contains(t, f.rules.ConfigErrors[bad.ID], "operator")
	assert.Empty(t, f.alerts.ByRule(bad.ID))
	assert.Len(t, f.alerts.ByRule(good.ID), 1)

	fixed, err := f.rules.FindByID(ctx, bad.ID)
	require.NoError(t, err)
	fixed.Operator = domain.OpGT
	require.NoError(t, f.rules.Update(ctx, fixed))

	f.eval.EvaluateAll(ctx)
	assert.Equal(t, "", f.rules.ConfigErrors[bad.ID], "a clean evaluation clears the flag")
	assert.Len(t, f.alerts.ByRule(bad.ID), 1)
}

func TestEvaluator_StaleEntitySkipped(t *testing.T) {
	rule := cpuRule()
	f := newEvaluatorFixture(t, rule)

	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a1"}, 95)
	f.now = f.now.Add(3 * time.Minute)
	f.eval.EvaluateAll(context.Background())

	assert.Empty(t, f.alerts.ByRule(rule.ID))
}

func TestEvaluator_ForCountDebounce(t *testing.T) {
	rule := cpuRule()
	rule.ForCount = 3
	f := newEvaluatorFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}
	ctx := context.Background()

	f.push(t, "cpu_usage", agent, 95)
	f.eval.EvaluateAll(ctx)
	f.push(t, "cpu_usage", agent, 96)
	f.eval.EvaluateAll(ctx)
	assert.Empty(t, f.alerts.ByRule(rule.ID))

	// A dip resets the streak.
	f.push(t, "cpu_usage", agent, 50)
	f.eval.EvaluateAll(ctx)
	f.push(t, "cpu_usage", agent, 95)
	f.eval.EvaluateAll(ctx)
	f.push(t, "cpu_usage", agent, 95)
	f.eval.EvaluateAll(ctx)
	assert.Empty(t, f.alerts.ByRule(rule.ID))

	f.push(t, "cpu_usage", agent, 95)
	f.eval.EvaluateAll(ctx)
	assert.Len(t, f.alerts.ByRule(rule.ID), 1)
}

func (e *Evaluator) streaks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func TestEvaluator_StreaksDroppedForUnevaluatedPairs(t *testing.T) {
	rule := cpuRule()
	rule.ForCount = 5
	f := newEvaluatorFixture(t, rule)
	ctx := context.Background()
	a1, a2 := domain.Labels{"agent_id": "a1"}, domain.Labels{"agent_id": "a2"}

	f.push(t, "cpu_usage", a1, 95)
	f.push(t, "cpu_usage", a2, 95)
	f.eval.EvaluateAll(ctx)
	require.Equal(t, 2, f.eval.streaks())

	// a2 stops reporting and goes stale; a1 keeps breaching.
	f.now = f.now.Add(90 * time.Second)
	f.push(t, "cpu_usage", a1, 95)
	f.now = f.now.Add(time.Minute)
	f.push(t, "cpu_usage", a1, 95)
	f.eval.EvaluateAll(ctx)
	assert.Equal(t, 1, f.eval.streaks())

	require.NoError(t, f.rules.Delete(ctx, rule.ID))
	f.push(t, "cpu_usage", a1, 95)
	f.eval.EvaluateAll(ctx)
	assert.Zero(t, f.eval.streaks())
	assert.Empty(t, f.alerts.ByRule(rule.ID))
}

func TestEvaluator_RollingAggregate(t *testing.T) {
	rule := cpuRule()
	rule.Aggregation = domain.AggAvg
	rule.Window = domain.Duration(time.Minute)
	f := newEvaluatorFixture(t, rule)
	agent := domain.Labels{"agent_id": "a1"}

	f.push(t, "cpu_usage", agent, 100)
	f.push(t, "cpu_usage", agent, 70)
	f.eval.EvaluateAll(context.Background())

	alerts := f.alerts.ByRule(rule.ID)
	require.Len(t, alerts, 1, "avg(100, 70) = 85 breaches although the latest point does not")
	assert.Equal(t, 85.0, alerts[0].CurrentValue)
}

func TestEvaluator_LabelFilterAndEntities(t *testing.T) {
	scoped := cpuRule()
	scoped.Labels = domain.Labels{"agent_id": "a1"}
	all := cpuRule()
	f := newEvaluatorFixture(t, scoped, all)

	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a1", "region": "eu"}, 95)
	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a2"}, 95)
	f.push(t, "disk_usage", domain.Labels{"agent_id": "a1"}, 99)
	f.eval.EvaluateAll(context.Background())

	scopedAlerts := f.alerts.ByRule(scoped.ID)
	require.Len(t, scopedAlerts, 1)
	assert.Equal(t, "agent_id=a1,region=eu", scopedAlerts[0].EntityKey)
	assert.Len(t, f.alerts.ByRule(all.ID), 2, "one alert per entity")
}

func TestEvaluator_DisabledRuleIgnored(t *testing.T) {
	rule := cpuRule()
	rule.Enabled = false
	f := newEvaluatorFixture(t, rule)

	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a1"}, 95)
	f.eval.EvaluateAll(context.Background())
	assert.Empty(t, f.alerts.ByRule(rule.ID))
}

func TestEvaluator_CacheFailureSkipsTick(t *testing.T) {
	rule := cpuRule()
	f := newEvaluatorFixture(t, rule)
	failing := &mocks.MockRecentCache{RecentCache: f.cache}
	f.eval.cache = failing

	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a1"}, 95)
	failing.SetSeriesErr(context.DeadlineExceeded)
	f.eval.EvaluateAll(context.Background())
	assert.Empty(t, f.alerts.ByRule(rule.ID))

	failing.SetSeriesErr(nil)
	f.eval.EvaluateAll(context.Background())
	assert.Len(t, f.alerts.ByRule(rule.ID), 1)
}

func TestEvaluator_RunHandlesTrigger(t *testing.T) {
	rule := cpuRule()
	f := newEvaluatorFixture(t, rule)
	f.push(t, "cpu_usage", domain.Labels{"agent_id": "a1"}, 95)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.eval.Run(ctx)
		close(done)
	}()

	f.eval.Trigger("disk_usage")
	f.eval.Trigger("cpu_usage")
	require.Eventually(t, func() bool {
		return len(f.alerts.ByRule(rule.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
