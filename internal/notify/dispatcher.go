package notify

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

// Config tunes delivery.
type Config struct {
	QueueSize      int
	Workers        int
	MaxRetries     int // attempts per channel, including the first
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RateLimit      float64 // sends per second per channel
	CheckInterval  time.Duration
}

// Dispatcher delivers alert notifications to their channels from a bounded
// queue. Delivery failures only ever change channel health.
type Dispatcher struct {
	cfg      Config
	channels domain.ChannelRepository
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	queue    chan domain.Notification

	limMu    sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// NewDispatcher creates a dispatcher. Run starts its workers.
func NewDispatcher(cfg Config, channels domain.ChannelRepository, registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
		metrics:  m,
		queue:    make(chan domain.Notification, cfg.QueueSize),
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Enqueue queues n without blocking. It returns false and drops n when the queue is full.
func (d *Dispatcher) Enqueue(n domain.Notification) bool {
	select {
	case d.queue <- n:
		return true
	default:
		d.metrics.NotifyDropped.Inc()
		d.logger.Warn("notification queue full, dropping notification", "alert_id", n.Alert.ID, "kind", n.Kind)
		return false
	}
}

// Run starts the workers and the health checker and blocks until ctx is done.
// Queued notifications that were not picked up are discarded.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	if d.cfg.CheckInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runChecker(ctx)
		}()
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
	wg.Wait()
	d.logger.Info("dispatcher stopped", "discarded", len(d.queue))
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.Dispatch(ctx, n)
		}
	}
}

// Dispatch delivers n to every eligible channel concurrently and waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, n domain.Notification) {
	channels, err := d.channels.FindByIDs(ctx, n.ChannelIDs)
	if err != nil {
		d.logger.Error("failed to load notification channels", "error", err, "alert_id", n.Alert.ID)
		return
	}

	var g errgroup.Group
	for _, ch := range channels {
		if skip := skipReason(ch, n); skip != "" {
			d.logger.Debug("skipping channel", "channel_id", ch.ID, "reason", skip, "alert_id", n.Alert.ID)
			continue
		}
		g.Go(func() error {
			_ = d.deliver(ctx, ch, n)
			return nil
		})
	}
	_ = g.Wait()
}

func skipReason(ch *domain.NotificationChannel, n domain.Notification) string {
	switch {
	case !ch.Enabled:
		return "disabled"
	case ch.Health == domain.HealthDegraded:
		return "degraded"
	case n.Kind == domain.NotifyResolved && !ch.SendResolved:
		return "send_resolved disabled"
	}
	return ""
}

// deliver sends n to ch with retries. When every attempt fails the channel
// is marked degraded and the last attempt error is returned.
func (d *Dispatcher) deliver(ctx context.Context, ch *domain.NotificationChannel, n domain.Notification) error {
	sender, err := d.registry.Build(ch)
	if err != nil {
		derr := &domain.NotificationDeliveryError{ChannelID: ch.ID.String(), Err: err}
		d.markDegraded(ctx, ch, derr)
		return derr
	}
	limiter := d.limiter(ch.ID)
	backoff := d.cfg.BackoffBase

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = d.attempt(ctx, sender, ch, n, attempt); lastErr == nil {
			if ch.Health == domain.HealthDegraded {
				d.markHealthy(ctx, ch)
			}
			return nil
		}
		d.logger.Warn("notification attempt failed", "error", lastErr, "channel_id", ch.ID, "attempt", attempt,
			"max_attempts", d.cfg.MaxRetries)
		if attempt == d.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, d.cfg.BackoffMax)
	}
	d.markDegraded(ctx, ch, lastErr)
	return lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, sender Sender, ch *domain.NotificationChannel, n domain.Notification, attempt int) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	if err := sender.Send(actx, n); err != nil {
		d.metrics.NotifyAttempts.WithLabelValues(string(ch.Type), "failure").Inc()
		return &domain.NotificationDeliveryError{ChannelID: ch.ID.String(), Attempt: attempt, Err: err}
	}
	d.metrics.NotifyAttempts.WithLabelValues(string(ch.Type), "success").Inc()
	d.logger.Debug("notification delivered", "channel_id", ch.ID, "alert_id", n.Alert.ID, "kind", n.Kind)
	return nil
}

// Test sends a single test notification outside the queue. Success clears
// degraded, failure marks the channel degraded.
func (d *Dispatcher) Test(ctx context.Context, channelID uuid.UUID) error {
	ch, err := d.channels.FindByID(ctx, channelID)
	if err != nil {
		return err
	}
	sender, err := d.registry.Build(ch)
	if err != nil {
		return &domain.ValidationError{Field: "config", Reason: err.Error()}
	}

	n := domain.Notification{Kind: domain.NotifyTest, RuleName: "channel test", CreatedAt: time.Now().UTC()}
	if err := d.attempt(ctx, sender, ch, n, 1); err != nil {
		d.markDegraded(ctx, ch, err)
		return err
	}
	if ch.Health == domain.HealthDegraded {
		d.markHealthy(ctx, ch)
	}
	return nil
}

func (d *Dispatcher) runChecker(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckDegraded(ctx)
		}
	}
}

// CheckDegraded pings every enabled degraded channel whose sender supports it
// and clears degraded on success.
func (d *Dispatcher) CheckDegraded(ctx context.Context) {
	channels, err := d.channels.List(ctx)
	if err != nil {
		d.logger.Error("failed to list channels for health check", "error", err)
		return
	}
	for _, ch := range channels {
		if !ch.Enabled || ch.Health != domain.HealthDegraded {
			continue
		}
		sender, err := d.registry.Build(ch)
		if err != nil {
			continue
		}
		pinger, ok := sender.(Pinger)
		if !ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err = pinger.Ping(pctx)
		cancel()
		if err != nil {
			d.logger.Debug("degraded channel still unreachable", "channel_id", ch.ID, "error", err)
			continue
		}
		d.markHealthy(ctx, ch)
	}
}

func (d *Dispatcher) markDegraded(ctx context.Context, ch *domain.NotificationChannel, cause error) {
	d.metrics.ChannelsDegraded.Inc()
	d.logger.Error("channel marked degraded", "channel_id", ch.ID, "channel", ch.Name, "error", cause)
	if err := d.channels.SetHealth(context.WithoutCancel(ctx), ch.ID, domain.HealthDegraded, cause.Error()); err != nil {
		d.logger.Error("failed to record channel health", "error", err, "channel_id", ch.ID)
	}
}

func (d *Dispatcher) markHealthy(ctx context.Context, ch *domain.NotificationChannel) {
	d.logger.Info("channel recovered", "channel_id", ch.ID, "channel", ch.Name)
	if err := d.channels.SetHealth(context.WithoutCancel(ctx), ch.ID, domain.HealthOK, ""); err != nil {
		d.logger.Error("failed to record channel health", "error", err, "channel_id", ch.ID)
	}
}

func (d *Dispatcher) limiter(id uuid.UUID) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[id]
	if !ok {
		burst := max(1, int(math.Ceil(d.cfg.RateLimit)))
		limit := rate.Inf
		if d.cfg.RateLimit > 0 {
			limit = rate.Limit(d.cfg.RateLimit)
		}
		l = rate.NewLimiter(limit, burst)
		d.limiters[id] = l
	}
	return l
}
