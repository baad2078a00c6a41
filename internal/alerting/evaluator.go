package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

const triggerBuffer = 256

// EvaluatorConfig tunes the evaluation loop.
type EvaluatorConfig struct {
	Interval  time.Duration // time between ticks
	Window    time.Duration // series must have a point this recent to be listed
	Staleness time.Duration // entities whose newest point is older are skipped
	Workers   int           // rules evaluated concurrently
}

// Evaluator periodically checks every enabled rule against the recent-window
// cache and reports breaches to the lifecycle manager.
type Evaluator struct {
	cfg       EvaluatorConfig
	rules     domain.RuleRepository
	cache     domain.RecentCache
	lifecycle *Lifecycle
	logger    *slog.Logger
	metrics   *metrics.Metrics
	trigger   chan string
	now       func() time.Time

	mu      sync.Mutex
	tick    uint64
	pending map[string]*streak // dedup key -> consecutive breaching evaluations
}

type streak struct {
	count int
	tick  uint64 // last full tick that evaluated the pair
}

// NewEvaluator creates an evaluator. Run starts it.
func NewEvaluator(cfg EvaluatorConfig, rules domain.RuleRepository, cache domain.RecentCache, lifecycle *Lifecycle,
	logger *slog.Logger, m *metrics.Metrics) *Evaluator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Evaluator{
		cfg:       cfg,
		rules:     rules,
		cache:     cache,
		lifecycle: lifecycle,
		logger:    logger.With("component", "evaluator"),
		metrics:   m,
		trigger:   make(chan string, triggerBuffer),
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(map[string]*streak),
	}
}

// Run evaluates on every tick, and on demand for triggered metrics, until ctx is done.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.logger.Info("evaluator started", "interval", e.cfg.Interval, "workers", e.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluator stopped")
			return
		case <-ticker.C:
			start := time.Now()
			e.EvaluateAll(ctx)
			e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		case name := <-e.trigger:
			e.EvaluateMetric(ctx, name)
		}
	}
}

// Trigger asks for an early evaluation of the rules watching metricName.
// It never blocks; triggers are dropped while the buffer is full.
func (e *Evaluator) Trigger(metricName string) {
	select {
	case e.trigger <- metricName:
	default:
	}
}

// EvaluateAll runs one tick over every enabled rule. Breach streaks of
// pairs the tick did not evaluate (stale entities, removed rules) are dropped.
func (e *Evaluator) EvaluateAll(ctx context.Context) {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	if !e.evaluate(ctx, func(*domain.AlertRule) bool { return true }) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.pending {
		if s.tick != tick {
			delete(e.pending, key)
		}
	}
}

// EvaluateMetric evaluates only the enabled rules on metricName.
func (e *Evaluator) EvaluateMetric(ctx context.Context, metricName string) {
	_ = e.evaluate(ctx, func(r *domain.AlertRule) bool { return r.MetricName == metricName })
}

func (e *Evaluator) evaluate(ctx context.Context, include func(*domain.AlertRule) bool) bool {
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		e.logger.Error("failed to list enabled rules", "error", err)
		return false
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, rule := range rules {
		if !include(rule) {
			continue
		}
		g.Go(func() error {
			e.evaluateRule(ctx, rule)
			return nil
		})
	}
	_ = g.Wait()
	return true
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *domain.AlertRule) {
	log := e.logger.With("rule_id", rule.ID, "rule", rule.Name)

	if err := rule.Validate(); err != nil {
		e.metrics.RuleConfigErrors.Inc()
		e.metrics.Evaluations.WithLabelValues("error").Inc()
		log.Warn("skipping invalid rule", "error", err)
		if rule.ConfigError != err.Error() {
			if err := e.rules.SetConfigError(ctx, rule.ID, err.Error()); err != nil {
				log.Error("failed to record rule config error", "error", err)
			}
		}
		return
	}
	if rule.ConfigError != "" {
		if err := e.rules.SetConfigError(ctx, rule.ID, ""); err != nil {
			log.Error("failed to clear rule config error", "error", err)
		}
	}

	now := e.now()
	lookback := e.cfg.Window
	if w := time.Duration(rule.Window); w > lookback {
		lookback = min(w, e.cache.Window())
	}
	windows, err := e.cache.Series(ctx, rule.MetricName, rule.Labels, now.Add(-lookback))
	if err != nil {
		e.metrics.Evaluations.WithLabelValues("error").Inc()
		log.Error("failed to read recent series", "error", err)
		return
	}

	for _, w := range windows {
		value, ok := e.representative(rule, w, now)
		if !ok {
			log.Debug("skipping stale entity", "entity_key", w.Labels.Key())
			continue
		}
		breach, _ := rule.Operator.Compare(value, rule.Threshold)
		breach = e.debounce(domain.DedupKey(rule.ID, w.Labels.Key()), rule.ForCount, breach)
		if err := e.lifecycle.Observe(ctx, rule, w.Labels, value, breach); err != nil {
			log.Error("failed to apply evaluation", "error", err, "entity_key", w.Labels.Key())
		}
	}
	e.metrics.Evaluations.WithLabelValues("ok").Inc()
}

// representative returns the value compared against the threshold: the
// newest point or the rolling aggregate over the rule window.
func (e *Evaluator) representative(rule *domain.AlertRule, w domain.SeriesWindow, now time.Time) (float64, bool) {
	latest, ok := w.Latest()
	if !ok || now.Sub(latest.Timestamp) > e.cfg.Staleness {
		return 0, false
	}
	if rule.Aggregation == "" {
		return latest.Value, true
	}
	return rule.Aggregation.Apply(w.ValuesSince(now.Add(-time.Duration(rule.Window))))
}

// debounce reports a breach only after forCount consecutive breaching
// evaluations of the same pair. A non-breach resets the count.
func (e *Evaluator) debounce(key string, forCount int, breach bool) bool {
	if forCount <= 1 {
		return breach
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !breach {
		delete(e.pending, key)
		return false
	}
	s, ok := e.pending[key]
	if !ok {
		s = &streak{}
		e.pending[key] = s
	}
	s.count++
	s.tick = e.tick
	return s.count >= forCount
}
