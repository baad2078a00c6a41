package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// OverviewReporter periodically publishes a system_overview event.
type OverviewReporter struct {
	alerts      func() []domain.Alert
	subscribers func() int
	accepted    func() int64
	channels    domain.ChannelRepository
	events      domain.EventPublisher
	logger      *slog.Logger
	now         func() time.Time

	lastCount int64
	lastAt    time.Time
}

// NewOverviewReporter wires the reporter to its sources. accepted is a
// monotonically increasing count of ingested points.
func NewOverviewReporter(alerts func() []domain.Alert, subscribers func() int, accepted func() int64,
	channels domain.ChannelRepository, events domain.EventPublisher, logger *slog.Logger) *OverviewReporter {
	return &OverviewReporter{
		alerts:      alerts,
		subscribers: subscribers,
		accepted:    accepted,
		channels:    channels,
		events:      events,
		logger:      logger.With("component", "overview"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run publishes an overview every interval until ctx is done.
func (r *OverviewReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.lastCount, r.lastAt = r.accepted(), r.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.events.Publish(domain.Event{Type: domain.EventSystemOverview, Data: r.Snapshot(ctx)})
		}
	}
}

// Snapshot computes the overview. The ingest rate covers the time since the previous snapshot.
func (r *OverviewReporter) Snapshot(ctx context.Context) domain.SystemOverview {
	now := r.now()
	ov := domain.SystemOverview{
		BySeverity:  make(map[domain.Severity]int),
		Subscribers: r.subscribers(),
		GeneratedAt: now,
	}
	for _, a := range r.alerts() {
		switch a.Status {
		case domain.AlertActive:
			ov.ActiveAlerts++
		case domain.AlertSilenced:
			ov.SilencedAlerts++
		}
		ov.BySeverity[a.Severity]++
	}

	count := r.accepted()
	if elapsed := now.Sub(r.lastAt).Seconds(); !r.lastAt.IsZero() && elapsed > 0 {
		ov.IngestRate = float64(count-r.lastCount) / elapsed
	}
	r.lastCount, r.lastAt = count, now

	channels, err := r.channels.List(ctx)
	if err != nil {
		r.logger.Warn("failed to count degraded channels", "error", err)
	}
	for _, ch := range channels {
		if ch.Health == domain.HealthDegraded {
			ov.DegradedChannels++
		}
	}
	return ov
}
