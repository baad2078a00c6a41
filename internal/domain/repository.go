package domain

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// MetricRepository is the durable store for metric points.
type MetricRepository interface {
	// WritePoints appends a batch of points atomically.
	WritePoints(ctx context.Context, points []MetricPoint) error

	// QueryBuckets streams aggregated buckets in bucket order. The query runs
	// each time the sequence is ranged over.
	QueryBuckets(ctx context.Context, q SeriesQuery) iter.Seq2[Bucket, error]

	// PointsSince streams raw points newer than since, oldest first.
	// It is used to rebuild the recent-window cache.
	PointsSince(ctx context.Context, since time.Time) iter.Seq2[MetricPoint, error]

	// Prune deletes points older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RecentCache holds the recent window of every series for low-latency reads.
// It is best effort and can be rebuilt from the MetricRepository.
type RecentCache interface {
	// Append adds points; each series stays ordered by timestamp.
	Append(ctx context.Context, points []MetricPoint) error

	// Series returns the windows of metricName whose labels match filter,
	// restricted to points at or after since.
	Series(ctx context.Context, metricName string, filter Labels, since time.Time) ([]SeriesWindow, error)

	// Window is how far back the cache is expected to hold data.
	Window() time.Duration

	// MissedThrough returns the newest timestamp up to which the cache may
	// lack points of metricName, or the zero time. Reads at or before it must
	// go to the durable store.
	MissedThrough(metricName string) time.Time

	// MarkIncomplete declares every metric possibly incomplete up to through,
	// e.g. after a warm-up that stopped early.
	MarkIncomplete(through time.Time)
}

// RuleRepository persists alert rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *AlertRule) error
	FindByID(ctx context.Context, id uuid.UUID) (*AlertRule, error)
	List(ctx context.Context) ([]*AlertRule, error)
	ListEnabled(ctx context.Context) ([]*AlertRule, error)
	Update(ctx context.Context, rule *AlertRule) error
	Delete(ctx context.Context, id uuid.UUID) error

	// SetConfigError records (or clears, with "") why a stored rule cannot be evaluated.
	SetConfigError(ctx context.Context, id uuid.UUID, msg string) error
}

// AlertRepository persists alerts. Alerts are never deleted.
type AlertRepository interface {
	Create(ctx context.Context, alert *Alert) error
	Update(ctx context.Context, alert *Alert) error
	FindByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]*Alert, error)

	// ListOpen returns every active or silenced alert.
	ListOpen(ctx context.Context) ([]*Alert, error)
}

// ChannelRepository persists notification channels.
type ChannelRepository interface {
	Create(ctx context.Context, ch *NotificationChannel) error
	FindByID(ctx context.Context, id uuid.UUID) (*NotificationChannel, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]*NotificationChannel, error)
	List(ctx context.Context) ([]*NotificationChannel, error)
	Update(ctx context.Context, ch *NotificationChannel) error
	Delete(ctx context.Context, id uuid.UUID) error

	// SetHealth updates the channel health flag and its last error.
	SetHealth(ctx context.Context, id uuid.UUID, health ChannelHealth, lastErr string) error
}

// WALRepository defines the interface for the Write-Ahead Log failover mechanism.
type WALRepository interface {
	// Write appends a batch of points to the local WAL file.
	Write(ctx context.Context, points []MetricPoint) error

	// Replay reads batches from the WAL and sends them to a handler function.
	// The handler is responsible for re-writing the batch to the durable store;
	// batchID is stable across replays so the write can be made idempotent.
	Replay(ctx context.Context, handler func(batchID string, points []MetricPoint) error) error

	// Truncate removes what the last successful Replay read. Batches written
	// after that replay started must survive.
	Truncate(ctx context.Context) error
}
