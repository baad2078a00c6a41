package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

const metricsTempTable = "metric_points_import"

// MetricRepository implements domain.MetricRepository for PostgreSQL.
// Writes fall back to the WAL while the database is unreachable.
type MetricRepository struct {
	db          *sql.DB
	wal         domain.WALRepository
	logger      *slog.Logger
	metrics     *metrics.Metrics
	isAvailable atomic.Bool

	// Swappable in tests.
	write func(ctx context.Context, batchID string, points []domain.MetricPoint) error
	ping  func(ctx context.Context) error
}

// NewMetricRepository creates a new PostgreSQL metric repository.
// The WAL is optional; pass nil to surface database errors directly.
func NewMetricRepository(db *sql.DB, wal domain.WALRepository, logger *slog.Logger, m *metrics.Metrics) *MetricRepository {
	r := &MetricRepository{
		db:      db,
		wal:     wal,
		logger:  logger.With("component", "postgres_metric_repository"),
		metrics: m,
	}
	r.write = r.copyPoints
	r.ping = db.PingContext
	r.isAvailable.Store(true) // Assume available initially
	return r
}

// WritePoints stores a batch with the COPY protocol. When the database is
// unreachable the batch is appended to the WAL instead.
func (r *MetricRepository) WritePoints(ctx context.Context, points []domain.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	if !r.isAvailable.Load() {
		return r.writeToWAL(ctx, points, nil)
	}

	err := r.write(ctx, "", points)
	if err == nil {
		return nil
	}
	if isConnError(err) {
		if r.isAvailable.CompareAndSwap(true, false) {
			r.logger.Error("PostgreSQL connection lost during write", "error", err)
			r.setWALGauge(1)
		}
		return r.writeToWAL(ctx, points, err)
	}
	return fmt.Errorf("failed to write metric points: %w", err)
}

func (r *MetricRepository) writeToWAL(ctx context.Context, points []domain.MetricPoint, cause error) error {
	if r.wal == nil {
		if cause == nil {
			cause = errors.New("database unavailable")
		}
		return fmt.Errorf("postgres is unavailable and WAL is not configured: %w", cause)
	}
	r.logger.Warn("PostgreSQL is unavailable, writing to WAL", "points", len(points))
	// The request may have timed out on the database; the WAL write must still happen.
	return r.wal.Write(context.WithoutCancel(ctx), points)
}

func (r *MetricRepository) setWALGauge(v float64) {
	if r.metrics != nil {
		r.metrics.WALActive.Set(v)
	}
}

// copyPoints stages the batch in a temp table via COPY and moves it in one
// statement. A non-empty batchID first deletes rows of an earlier partial
// replay of the same batch.
func (r *MetricRepository) copyPoints(ctx context.Context, batchID string, points []domain.MetricPoint) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+metricsTempTable+` (LIKE metric_points INCLUDING DEFAULTS) ON COMMIT DROP;`)
	if err != nil {
		return err
	}

	stmt, err := txn.Prepare(pq.CopyIn(metricsTempTable, "metric_name", "ts", "value", "labels", "series_key", "batch_id"))
	if err != nil {
		return err
	}

	var batch any
	if batchID != "" {
		batch = batchID
	}
	for _, p := range points {
		labels, err := json.Marshal(p.Labels)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		if p.Labels == nil {
			labels = []byte("{}")
		}
		if _, err = stmt.ExecContext(ctx, p.MetricName, p.Timestamp.UTC(), p.Value, string(labels), p.SeriesKey(), batch); err != nil {
			// Close the statement to avoid connection issues
			_ = stmt.Close()
			return err
		}
	}

	if err := stmt.Close(); err != nil {
		return err
	}

	if batchID != "" {
		if _, err := txn.ExecContext(ctx, `DELETE FROM metric_points WHERE batch_id = $1`, batchID); err != nil {
			return err
		}
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO metric_points (metric_name, ts, value, labels, series_key, batch_id)
		SELECT metric_name, ts, value, labels, series_key, batch_id FROM `+metricsTempTable)
	if err != nil {
		return err
	}

	return txn.Commit()
}

// RecoverWAL replays batches an earlier run left in the WAL. Call it once at
// startup before serving. If the database is unreachable or the replay fails,
// the repository starts on the WAL and the health check replays later.
func (r *MetricRepository) RecoverWAL(ctx context.Context) error {
	if r.wal == nil {
		return nil
	}
	if err := r.ping(ctx); err != nil {
		r.markUnavailable("PostgreSQL unreachable at startup, writing to WAL", err)
		return fmt.Errorf("postgres unreachable at startup: %w", err)
	}
	if err := r.ReplayWAL(ctx); err != nil {
		r.markUnavailable("Failed to replay WAL at startup", err)
		return err
	}
	return nil
}

func (r *MetricRepository) markUnavailable(msg string, err error) {
	r.isAvailable.Store(false)
	r.setWALGauge(1)
	r.logger.Error(msg, "error", err)
}

// StartHealthCheck pings the database every interval and replays the WAL once
// the connection comes back.
func (r *MetricRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if r.wal == nil {
		r.logger.Info("WAL is not configured, skipping health check/replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting PostgreSQL health check and WAL replayer")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping PostgreSQL health check")
			return
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

func (r *MetricRepository) checkHealth(ctx context.Context) {
	err := r.ping(ctx)
	if err != nil {
		if r.isAvailable.CompareAndSwap(true, false) {
			r.logger.Error("PostgreSQL connection lost", "error", err)
			r.setWALGauge(1)
		}
		return
	}
	if r.isAvailable.CompareAndSwap(false, true) {
		r.logger.Info("PostgreSQL connection recovered")
		if err := r.ReplayWAL(ctx); err != nil {
			r.logger.Error("Failed to replay WAL after PostgreSQL recovery", "error", err)
			r.isAvailable.Store(false)
			return
		}
		r.setWALGauge(0)
	}
}

// ReplayWAL replays batches from the WAL to PostgreSQL and truncates the WAL on success.
func (r *MetricRepository) ReplayWAL(ctx context.Context) error {
	r.logger.Info("Attempting to replay WAL to PostgreSQL")
	replayHandler := func(batchID string, points []domain.MetricPoint) error {
		return r.write(ctx, batchID, points)
	}

	if err := r.wal.Replay(ctx, replayHandler); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}

	if err := r.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate WAL after successful replay: %w", err)
	}

	r.logger.Info("WAL replay to PostgreSQL completed successfully")
	return nil
}

// Available reports whether writes currently go to the database.
func (r *MetricRepository) Available() bool {
	return r.isAvailable.Load()
}

func aggregateExpr(a domain.Aggregation) (string, error) {
	switch a {
	case domain.AggAvg:
		return "avg(value)", nil
	case domain.AggSum:
		return "sum(value)", nil
	case domain.AggMin:
		return "min(value)", nil
	case domain.AggMax:
		return "max(value)", nil
	case domain.AggCount:
		return "count(*)::double precision", nil
	case domain.AggLast:
		return "(array_agg(value ORDER BY ts DESC))[1]", nil
	}
	return "", fmt.Errorf("unsupported aggregation %q", a)
}

// bucketQuery builds the SQL for a bucketed range query. Buckets are aligned
// to the Unix epoch, the same way domain.BucketStart aligns them.
func bucketQuery(q domain.SeriesQuery) (string, []any, error) {
	agg, err := aggregateExpr(q.Aggregation)
	if err != nil {
		return "", nil, err
	}
	labels := []byte("{}")
	if len(q.Labels) > 0 {
		if labels, err = json.Marshal(q.Labels); err != nil {
			return "", nil, err
		}
	}

	var b strings.Builder
	b.WriteString(`SELECT to_timestamp(floor(extract(epoch FROM ts) / $2) * $2) AS bucket, `)
	b.WriteString(agg)
	b.WriteString(` FROM metric_points WHERE metric_name = $1 AND ts >= $3 AND ts < $4`)
	if len(q.Labels) > 0 {
		b.WriteString(` AND labels @> $5::jsonb`)
	}
	b.WriteString(` GROUP BY bucket ORDER BY bucket`)

	args := []any{q.MetricName, q.Interval.Seconds(), q.Start.UTC(), q.End.UTC()}
	if len(q.Labels) > 0 {
		args = append(args, string(labels))
	}
	return b.String(), args, nil
}

// QueryBuckets streams aggregated buckets; the query runs on each range.
func (r *MetricRepository) QueryBuckets(ctx context.Context, q domain.SeriesQuery) iter.Seq2[domain.Bucket, error] {
	return func(yield func(domain.Bucket, error) bool) {
		query, args, err := bucketQuery(q)
		if err != nil {
			yield(domain.Bucket{}, err)
			return
		}
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.Bucket{}, fmt.Errorf("failed to query buckets: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var b domain.Bucket
			if err := rows.Scan(&b.Start, &b.Value); err != nil {
				yield(domain.Bucket{}, fmt.Errorf("failed to scan bucket: %w", err))
				return
			}
			// epoch arithmetic runs in float8; snap back onto the boundary.
			b.Start = domain.BucketStart(b.Start.Round(time.Millisecond), q.Interval)
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Bucket{}, fmt.Errorf("failed to iterate buckets: %w", err))
		}
	}
}

// PointsSince streams raw points at or after since, oldest first.
func (r *MetricRepository) PointsSince(ctx context.Context, since time.Time) iter.Seq2[domain.MetricPoint, error] {
	return func(yield func(domain.MetricPoint, error) bool) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT metric_name, ts, value, labels FROM metric_points WHERE ts >= $1 ORDER BY ts`, since.UTC())
		if err != nil {
			yield(domain.MetricPoint{}, fmt.Errorf("failed to query points: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				p      domain.MetricPoint
				labels []byte
			)
			if err := rows.Scan(&p.MetricName, &p.Timestamp, &p.Value, &labels); err != nil {
				yield(domain.MetricPoint{}, fmt.Errorf("failed to scan point: %w", err))
				return
			}
			if err := json.Unmarshal(labels, &p.Labels); err != nil {
				yield(domain.MetricPoint{}, fmt.Errorf("failed to decode labels: %w", err))
				return
			}
			if len(p.Labels) == 0 {
				p.Labels = nil
			}
			p.Timestamp = p.Timestamp.UTC()
			if !yield(p, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.MetricPoint{}, fmt.Errorf("failed to iterate points: %w", err))
		}
	}
}

// Prune deletes points older than before.
func (r *MetricRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM metric_points WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune metric points: %w", err)
	}
	return res.RowsAffected()
}

// isConnError reports whether err means the database could not be reached,
// as opposed to the database rejecting the statement.
func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception; 57P0x: server shutting down.
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0")
	}
	return false
}
