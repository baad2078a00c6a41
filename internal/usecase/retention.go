package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

const (
	maxPruneTimeout = 5 * time.Minute
	warmUpBatchSize = 1000
)

// RetentionPruner deletes durable points older than the retention period.
type RetentionPruner struct {
	store     domain.MetricRepository
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewRetentionPruner(store domain.MetricRepository, retention time.Duration, logger *slog.Logger, m *metrics.Metrics) *RetentionPruner {
	return &RetentionPruner{
		store:     store,
		retention: retention,
		logger:    logger.With("component", "retention"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run prunes every interval until ctx is done. Each pass is bounded by a timeout.
func (p *RetentionPruner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeout := min(interval, maxPruneTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			_, _ = p.PruneOnce(pctx)
			cancel()
		}
	}
}

// PruneOnce removes points older than now minus the retention period.
func (p *RetentionPruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to prune metric points", "error", err, "cutoff", cutoff)
		return 0, err
	}
	p.metrics.PrunedPoints.Add(float64(n))
	if n > 0 {
		p.logger.Info("pruned metric points", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// WarmCache rebuilds the recent window from the durable store. It returns the
// number of points loaded; a read error stops the warm-up with what was loaded so far.
// The cache is then marked incomplete so queries read the window from the store.
func WarmCache(ctx context.Context, store domain.MetricRepository, cache domain.RecentCache, logger *slog.Logger) (int, error) {
	started := time.Now().UTC()
	since := started.Add(-cache.Window())
	batch := make([]domain.MetricPoint, 0, warmUpBatchSize)
	loaded := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := cache.Append(ctx, batch); err != nil {
			return err
		}
		loaded += len(batch)
		batch = batch[:0]
		return nil
	}

	fail := func(err error) (int, error) {
		cache.MarkIncomplete(started)
		logger.Warn("recent cache warm-up interrupted", "error", err, "loaded", loaded)
		return loaded, err
	}
	for p, err := range store.PointsSince(ctx, since) {
		if err != nil {
			return fail(err)
		}
		batch = append(batch, p)
		if len(batch) == warmUpBatchSize {
			if err := flush(); err != nil {
				return fail(err)
			}
		}
	}
	if err := flush(); err != nil {
		return fail(err)
	}
	logger.Info("recent cache warmed up", "points", loaded, "since", since)
	return loaded, nil
}
