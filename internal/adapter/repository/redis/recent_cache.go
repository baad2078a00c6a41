package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const keyPrefix = "monitor:series"

// RecentCache implements domain.RecentCache with one sorted set per series
// (score = timestamp in milliseconds) and one hash per metric mapping series
// keys to their label sets.
type RecentCache struct {
	client    *redis.Client
	window    time.Duration
	maxPoints int
	logger    *slog.Logger
	now       func() time.Time
	misses    domain.MissLog
}

// NewRecentCache creates a Redis-backed recent-window cache.
func NewRecentCache(client *redis.Client, window time.Duration, maxPoints int, logger *slog.Logger) *RecentCache {
	return &RecentCache{
		client:    client,
		window:    window,
		maxPoints: maxPoints,
		logger:    logger.With("component", "redis_cache"),
		now:       time.Now,
	}
}

// Ping checks the connection.
func (c *RecentCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// The metric name is length-prefixed so a ':' in it cannot shift into the series key.
func zsetKey(metricName, seriesKey string) string {
	return keyPrefix + ":" + strconv.Itoa(len(metricName)) + ":" + metricName + ":" + seriesKey
}

func indexKey(metricName string) string {
	return keyPrefix + ":index:" + metricName
}

// Members carry a nonce so identical samples both survive in the set.
func encodeMember(p domain.MetricPoint) string {
	return strconv.FormatInt(p.Timestamp.UnixNano(), 10) + "|" +
		strconv.FormatFloat(p.Value, 'g', -1, 64) + "|" +
		uuid.NewString()[:8]
}

func decodeMember(m string) (time.Time, float64, error) {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) < 2 {
		return time.Time{}, 0, fmt.Errorf("malformed member %q", m)
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed timestamp in %q: %w", m, err)
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed value in %q: %w", m, err)
	}
	return time.Unix(0, ns).UTC(), v, nil
}

// Append adds points in a single pipeline and trims every touched series to
// the window and the point cap. A failed append is remembered so reads of
// the affected range go to the durable store.
func (c *RecentCache) Append(ctx context.Context, points []domain.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := c.append(ctx, points); err != nil {
		c.misses.Record(points)
		return err
	}
	return nil
}

func (c *RecentCache) append(ctx context.Context, points []domain.MetricPoint) error {
	cutoff := c.now().Add(-c.window)
	ttl := 2 * c.window

	pipe := c.client.Pipeline()
	touched := make(map[string]struct{})
	indexes := make(map[string]struct{})
	for _, p := range points {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		seriesKey := p.SeriesKey()
		key := zsetKey(p.MetricName, seriesKey)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(p.Timestamp.UnixMilli()), Member: encodeMember(p)})

		if _, ok := touched[key]; !ok {
			touched[key] = struct{}{}
			labels, err := json.Marshal(p.Labels)
			if err != nil {
				return fmt.Errorf("failed to marshal labels: %w", err)
			}
			pipe.HSet(ctx, indexKey(p.MetricName), seriesKey, labels)
			indexes[indexKey(p.MetricName)] = struct{}{}
		}
	}
	for key := range touched {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
		if c.maxPoints > 0 {
			pipe.ZRemRangeByRank(ctx, key, 0, int64(-(c.maxPoints + 1)))
		}
		pipe.Expire(ctx, key, ttl)
	}
	for key := range indexes {
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute cache append pipeline: %w", err)
	}
	return nil
}

// Series reads every indexed series of metricName whose labels match filter.
func (c *RecentCache) Series(ctx context.Context, metricName string, filter domain.Labels, since time.Time) ([]domain.SeriesWindow, error) {
	index, err := c.client.HGetAll(ctx, indexKey(metricName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read series index for %s: %w", metricName, err)
	}

	type candidate struct {
		labels domain.Labels
		cmd    *redis.StringSliceCmd
		card   *redis.IntCmd
		oldest *redis.StringSliceCmd
	}
	var candidates []candidate
	pipe := c.client.Pipeline()
	lower := strconv.FormatInt(since.UnixMilli(), 10)
	if since.IsZero() {
		lower = "-inf"
	}
	for seriesKey, raw := range index {
		var labels domain.Labels
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			c.logger.Warn("Invalid labels in series index, skipping", "series", seriesKey, "error", err)
			continue
		}
		if !labels.Matches(filter) {
			continue
		}
		key := zsetKey(metricName, seriesKey)
		cand := candidate{labels: labels, cmd: pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lower, Max: "+inf"})}
		if c.maxPoints > 0 {
			cand.card = pipe.ZCard(ctx, key)
			cand.oldest = pipe.ZRange(ctx, key, 0, 0)
		}
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read series for %s: %w", metricName, err)
	}

	out := make([]domain.SeriesWindow, 0, len(candidates))
	for _, cand := range candidates {
		members, err := cand.cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		w := domain.SeriesWindow{MetricName: metricName, Labels: cand.labels}
		for _, m := range members {
			ts, v, err := decodeMember(m)
			if err != nil {
				c.logger.Warn("Skipping malformed cache member", "error", err)
				continue
			}
			if ts.Before(since) {
				continue
			}
			w.Points = append(w.Points, domain.MetricPoint{MetricName: metricName, Timestamp: ts, Value: v, Labels: cand.labels})
		}
		if len(w.Points) == 0 {
			continue
		}
		// A full set may have lost points to the cap; only vouch from after its oldest member.
		if cand.card != nil && cand.card.Val() >= int64(c.maxPoints) && len(cand.oldest.Val()) == 1 {
			if ts, _, err := decodeMember(cand.oldest.Val()[0]); err == nil {
				w.CompleteFrom = ts.Add(time.Nanosecond)
			}
		}
		// Scores are millisecond precision; restore nanosecond order.
		sort.SliceStable(w.Points, func(i, j int) bool { return w.Points[i].Timestamp.Before(w.Points[j].Timestamp) })
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Labels.Key() < out[j].Labels.Key() })
	return out, nil
}

// Window is how far back the cache holds points.
func (c *RecentCache) Window() time.Duration {
	return c.window
}

// MissedThrough returns the newest point of metricName this process failed to append.
func (c *RecentCache) MissedThrough(metricName string) time.Time {
	return c.misses.Through(metricName)
}

func (c *RecentCache) MarkIncomplete(through time.Time) {
	c.misses.RecordAll(through)
}
