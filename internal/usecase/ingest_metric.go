package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

// IngestMetricUseCase handles the business logic for ingesting metric points.
type IngestMetricUseCase struct {
	store    domain.MetricRepository
	cache    domain.RecentCache
	events   domain.EventPublisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	trigger  func(metricName string)
	accepted atomic.Int64
	now      func() time.Time
}

// NewIngestMetricUseCase creates a new IngestMetricUseCase.
func NewIngestMetricUseCase(store domain.MetricRepository, cache domain.RecentCache, events domain.EventPublisher,
	logger *slog.Logger, m *metrics.Metrics) *IngestMetricUseCase {
	return &IngestMetricUseCase{
		store:   store,
		cache:   cache,
		events:  events,
		logger:  logger.With("component", "ingest"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnIngest registers a callback invoked once per distinct metric name of every
// accepted batch. It must not block.
func (uc *IngestMetricUseCase) OnIngest(trigger func(metricName string)) {
	uc.trigger = trigger
}

// Accepted returns the total number of points accepted since start.
func (uc *IngestMetricUseCase) Accepted() int64 {
	return uc.accepted.Load()
}

// Ingest validates the whole batch, stores it durably, then feeds the recent
// cache and the streaming hub. A batch with any invalid point is rejected as a
// whole; the returned error joins one *domain.IngestionError per bad point.
func (uc *IngestMetricUseCase) Ingest(ctx context.Context, points []domain.MetricPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	// 1. Validate and enrich with server-side data
	now := uc.now()
	var errs []error
	for i := range points {
		if points[i].Timestamp.IsZero() {
			points[i].Timestamp = now
		} else {
			points[i].Timestamp = points[i].Timestamp.UTC()
		}
		if err := points[i].Validate(); err != nil {
			var ierr *domain.IngestionError
			if errors.As(err, &ierr) {
				ierr.Index = i
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		uc.metrics.PointsTotal.WithLabelValues("rejected").Add(float64(len(points)))
		return 0, errors.Join(errs...)
	}

	// 2. Durable write (falls back to the WAL inside the repository)
	if err := uc.store.WritePoints(ctx, points); err != nil {
		uc.metrics.PointsTotal.WithLabelValues("error_store").Add(float64(len(points)))
		uc.logger.Error("failed to store metric points", "error", err, "points", len(points))
		return 0, fmt.Errorf("failed to store metric points: %w", err)
	}
	uc.metrics.PointsTotal.WithLabelValues("accepted").Add(float64(len(points)))
	uc.accepted.Add(int64(len(points)))

	// 3. Recent window, best effort
	if err := uc.cache.Append(ctx, points); err != nil {
		uc.metrics.CacheErrors.Inc()
		uc.logger.Warn("failed to append points to recent cache", "error", err, "points", len(points))
	}

	// 4. Stream and trigger evaluation
	seen := make(map[string]struct{}, 1)
	for _, p := range points {
		uc.events.Publish(domain.NewMetricEvent(p))
		seen[p.MetricName] = struct{}{}
	}
	if uc.trigger != nil {
		for name := range seen {
			uc.trigger(name)
		}
	}

	return len(points), nil
}
