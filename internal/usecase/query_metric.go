package usecase

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

// ErrSeriesUnavailable is reported when neither the cache nor the store could serve a query.
var ErrSeriesUnavailable = errors.New("metric store and recent cache are unavailable")

// QueryMetricUseCase answers bucketed range queries, reading the recent part
// from the cache and the historical part from the durable store.
type QueryMetricUseCase struct {
	store      domain.MetricRepository
	cache      domain.RecentCache
	maxBuckets int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewQueryMetricUseCase(store domain.MetricRepository, cache domain.RecentCache, maxBuckets int,
	logger *slog.Logger, m *metrics.Metrics) *QueryMetricUseCase {
	return &QueryMetricUseCase{
		store:      store,
		cache:      cache,
		maxBuckets: maxBuckets,
		logger:     logger.With("component", "query"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SeriesResult is a validated query. Ranging over Buckets performs the reads;
// Missing and Err describe the most recent pass.
type SeriesResult struct {
	Query domain.SeriesQuery

	uc    *QueryMetricUseCase
	ctx   context.Context
	split time.Time

	mu      sync.Mutex
	missing []domain.TimeRange
}

// Query validates q and returns its lazily evaluated result.
func (uc *QueryMetricUseCase) Query(ctx context.Context, q domain.SeriesQuery) (*SeriesResult, error) {
	q.Start, q.End = q.Start.UTC(), q.End.UTC()
	if err := q.Validate(uc.maxBuckets); err != nil {
		return nil, err
	}
	split := domain.BucketCeil(uc.now().Add(-uc.cache.Window()), q.Interval)
	if split.Before(q.Start) {
		split = q.Start
	}
	if split.After(q.End) {
		split = q.End
	}
	return &SeriesResult{Query: q, uc: uc, ctx: ctx, split: split}, nil
}

// Buckets yields the buckets of the query in bucket order. Empty buckets are omitted.
// The store serves every bucket the cache cannot vouch for.
func (r *SeriesResult) Buckets() iter.Seq[domain.Bucket] {
	return func(yield func(domain.Bucket) bool) {
		r.mu.Lock()
		r.missing = nil
		r.mu.Unlock()

		q := r.Query
		split := r.split
		var windows []domain.SeriesWindow
		var cacheErr error
		if split.Before(q.End) {
			windows, cacheErr = r.uc.cache.Series(r.ctx, q.MetricName, q.Labels, split)
			if cacheErr == nil {
				split = r.coveredFrom(windows, split)
			}
		}

		if q.Start.Before(split) {
			hist := q
			hist.End = split
			if !r.historical(hist, yield) {
				return
			}
		}
		if !split.Before(q.End) {
			return
		}
		recent := q
		recent.Start = split
		if cacheErr != nil {
			r.uc.metrics.CacheErrors.Inc()
			r.uc.logger.Warn("recent range unavailable", "error", cacheErr, "metric_name", q.MetricName)
			r.markMissing(recent.Start, recent.End)
			return
		}
		for _, b := range aggregateWindows(windows, recent) {
			if !yield(b) {
				return
			}
		}
	}
}

// coveredFrom moves split to the first bucket boundary after anything the
// cache evicted or failed to store.
func (r *SeriesResult) coveredFrom(windows []domain.SeriesWindow, split time.Time) time.Time {
	q := r.Query
	from := r.uc.cache.MissedThrough(q.MetricName)
	if !from.IsZero() {
		from = from.Add(time.Nanosecond)
	}
	for _, w := range windows {
		if w.CompleteFrom.After(from) {
			from = w.CompleteFrom
		}
	}
	if !from.After(split) {
		return split
	}
	from = domain.BucketCeil(from, q.Interval)
	if from.After(q.End) {
		return q.End
	}
	return from
}

// historical streams the durable part. It returns false when the consumer stopped.
func (r *SeriesResult) historical(q domain.SeriesQuery, yield func(domain.Bucket) bool) bool {
	for b, err := range r.uc.store.QueryBuckets(r.ctx, q) {
		if err != nil {
			r.uc.logger.Warn("historical range unavailable", "error", err, "metric_name", q.MetricName)
			r.markMissing(q.Start, q.End)
			return true
		}
		if !yield(b) {
			return false
		}
	}
	return true
}

func (r *SeriesResult) markMissing(start, end time.Time) {
	r.mu.Lock()
	r.missing = append(r.missing, domain.TimeRange{Start: start, End: end})
	partial := len(r.missing) == 1
	r.mu.Unlock()
	if partial {
		r.uc.metrics.QueryPartial.Inc()
	}
}

// Missing returns the ranges that could not be read during the last pass.
func (r *SeriesResult) Missing() []domain.TimeRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TimeRange(nil), r.missing...)
}

// Partial reports whether the last pass skipped part of the range.
func (r *SeriesResult) Partial() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.missing) > 0
}

// Err returns ErrSeriesUnavailable when the last pass could read nothing at all.
func (r *SeriesResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var covered time.Duration
	for _, m := range r.missing {
		covered += m.End.Sub(m.Start)
	}
	if len(r.missing) > 0 && covered >= r.Query.End.Sub(r.Query.Start) {
		return ErrSeriesUnavailable
	}
	return nil
}

// aggregateWindows buckets cached points across every matching series the
// same way the SQL aggregation does.
func aggregateWindows(windows []domain.SeriesWindow, q domain.SeriesQuery) []domain.Bucket {
	var points []domain.MetricPoint
	for _, w := range windows {
		for _, p := range w.Points {
			if !p.Timestamp.Before(q.Start) && p.Timestamp.Before(q.End) {
				points = append(points, p)
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	groups := make(map[time.Time][]float64)
	var order []time.Time
	for _, p := range points {
		start := domain.BucketStart(p.Timestamp, q.Interval)
		if _, ok := groups[start]; !ok {
			order = append(order, start)
		}
		groups[start] = append(groups[start], p.Value)
	}

	out := make([]domain.Bucket, 0, len(order))
	for _, start := range order {
		if v, ok := q.Aggregation.Apply(groups[start]); ok {
			out = append(out, domain.Bucket{Start: start, Value: v})
		}
	}
	return out
}
