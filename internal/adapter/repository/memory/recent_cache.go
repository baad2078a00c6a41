package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// series is the ordered recent points of one metric/label-set pair.
// Each series has its own lock so writers of different series never contend.
type series struct {
	mu     sync.RWMutex
	name   string
	labels domain.Labels
	points []domain.MetricPoint

	// newest point the cap evicted while it was still inside the window
	evictedThrough time.Time
}

// RecentCache implements domain.RecentCache in process memory.
type RecentCache struct {
	window    time.Duration
	maxPoints int
	logger    *slog.Logger
	now       func() time.Time
	misses    domain.MissLog

	mu     sync.RWMutex
	series map[seriesID]*series            // series id -> series
	byName map[string]map[seriesID]*series // metric name -> series id -> series
}

// NewRecentCache creates a cache that keeps window worth of points per series,
// capped at maxPoints (0 disables the cap).
func NewRecentCache(window time.Duration, maxPoints int, logger *slog.Logger) *RecentCache {
	return &RecentCache{
		window:    window,
		maxPoints: maxPoints,
		logger:    logger.With("component", "memory_cache"),
		now:       time.Now,
		series:    make(map[seriesID]*series),
		byName:    make(map[string]map[seriesID]*series),
	}
}

type seriesID struct {
	metricName string
	seriesKey  string
}

func cacheKey(metricName, seriesKey string) seriesID {
	return seriesID{metricName: metricName, seriesKey: seriesKey}
}

// Append adds points to their series, keeping each series ordered by timestamp.
func (c *RecentCache) Append(ctx context.Context, points []domain.MetricPoint) error {
	cutoff := c.now().Add(-c.window)
	for _, p := range points {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		key := cacheKey(p.MetricName, p.SeriesKey())
		// Holding the map read lock keeps Sweep from dropping the series mid-insert.
		c.mu.RLock()
		s, ok := c.series[key]
		if ok {
			s.mu.Lock()
			s.insert(p)
			s.trim(cutoff, c.maxPoints)
			s.mu.Unlock()
		}
		c.mu.RUnlock()
		if !ok {
			c.create(key, p, cutoff)
		}
	}
	return nil
}

func (c *RecentCache) create(key seriesID, p domain.MetricPoint, cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have created it while waiting for the lock
	s, ok := c.series[key]
	if !ok {
		s = &series{name: p.MetricName, labels: p.Labels.Clone()}
		c.series[key] = s
		if c.byName[p.MetricName] == nil {
			c.byName[p.MetricName] = make(map[seriesID]*series)
		}
		c.byName[p.MetricName][key] = s
	}
	s.mu.Lock()
	s.insert(p)
	s.trim(cutoff, c.maxPoints)
	s.mu.Unlock()
}

func (s *series) insert(p domain.MetricPoint) {
	n := len(s.points)
	if n == 0 || !p.Timestamp.Before(s.points[n-1].Timestamp) {
		s.points = append(s.points, p)
		return
	}
	// Late point: keep timestamp order, equal timestamps keep arrival order.
	idx := sort.Search(n, func(i int) bool { return s.points[i].Timestamp.After(p.Timestamp) })
	s.points = append(s.points, domain.MetricPoint{})
	copy(s.points[idx+1:], s.points[idx:])
	s.points[idx] = p
}

func (s *series) trim(cutoff time.Time, maxPoints int) {
	idx := sort.Search(len(s.points), func(i int) bool { return !s.points[i].Timestamp.Before(cutoff) })
	if maxPoints > 0 && len(s.points)-idx > maxPoints {
		idx = len(s.points) - maxPoints
		if last := s.points[idx-1].Timestamp; last.After(s.evictedThrough) {
			s.evictedThrough = last
		}
	}
	if idx > 0 {
		s.points = append(s.points[:0:0], s.points[idx:]...)
	}
}

// Series returns copies of the matching series restricted to points at or after since.
// Series with no points in range are omitted.
func (c *RecentCache) Series(ctx context.Context, metricName string, filter domain.Labels, since time.Time) ([]domain.SeriesWindow, error) {
	c.mu.RLock()
	candidates := make([]*series, 0, len(c.byName[metricName]))
	for _, s := range c.byName[metricName] {
		if s.labels.Matches(filter) {
			candidates = append(candidates, s)
		}
	}
	c.mu.RUnlock()

	out := make([]domain.SeriesWindow, 0, len(candidates))
	for _, s := range candidates {
		s.mu.RLock()
		idx := sort.Search(len(s.points), func(i int) bool { return !s.points[i].Timestamp.Before(since) })
		if idx < len(s.points) {
			w := domain.SeriesWindow{
				MetricName: s.name,
				Labels:     s.labels.Clone(),
				Points:     append([]domain.MetricPoint(nil), s.points[idx:]...),
			}
			if !s.evictedThrough.IsZero() {
				w.CompleteFrom = s.evictedThrough.Add(time.Nanosecond)
			}
			out = append(out, w)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Labels.Key() < out[j].Labels.Key() })
	return out, nil
}

// Window is how far back the cache holds points.
func (c *RecentCache) Window() time.Duration {
	return c.window
}

// MissedThrough reports what MarkIncomplete recorded; appends to memory never fail.
func (c *RecentCache) MissedThrough(metricName string) time.Time {
	return c.misses.Through(metricName)
}

func (c *RecentCache) MarkIncomplete(through time.Time) {
	c.misses.RecordAll(through)
}

// Sweep drops points outside the window and forgets series that became empty.
// It returns the number of series removed.
func (c *RecentCache) Sweep() int {
	cutoff := c.now().Add(-c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, s := range c.series {
		s.mu.Lock()
		s.trim(cutoff, c.maxPoints)
		empty := len(s.points) == 0
		s.mu.Unlock()
		if empty {
			delete(c.series, key)
			delete(c.byName[s.name], key)
			if len(c.byName[s.name]) == 0 {
				delete(c.byName, s.name)
			}
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *RecentCache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept idle series", "count", n)
			}
		}
	}
}
