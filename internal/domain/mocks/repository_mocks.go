package mocks

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// MockMetricRepository is an in-memory domain.MetricRepository for testing.
type MockMetricRepository struct {
	mu          sync.Mutex
	Points      []domain.MetricPoint
	WriteCalls  int
	QueryCalls  int
	WriteErr    error
	QueryErr    error
	PruneErr    error
	PrunedCount int64
}

func (m *MockMetricRepository) WritePoints(ctx context.Context, points []domain.MetricPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCalls++
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Points = append(m.Points, points...)
	return nil
}

// QueryBuckets aggregates the stored points the way the SQL query does.
func (m *MockMetricRepository) QueryBuckets(ctx context.Context, q domain.SeriesQuery) iter.Seq2[domain.Bucket, error] {
	return func(yield func(domain.Bucket, error) bool) {
		m.mu.Lock()
		m.QueryCalls++
		if m.QueryErr != nil {
			err := m.QueryErr
			m.mu.Unlock()
			yield(domain.Bucket{}, err)
			return
		}
		var matched []domain.MetricPoint
		for _, p := range m.Points {
			if p.MetricName == q.MetricName && !p.Timestamp.Before(q.Start) && p.Timestamp.Before(q.End) && p.Labels.Matches(q.Labels) {
				matched = append(matched, p)
			}
		}
		m.mu.Unlock()

		sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
		groups := make(map[time.Time][]float64)
		var order []time.Time
		for _, p := range matched {
			start := domain.BucketStart(p.Timestamp, q.Interval)
			if _, ok := groups[start]; !ok {
				order = append(order, start)
			}
			groups[start] = append(groups[start], p.Value)
		}
		for _, start := range order {
			v, _ := q.Aggregation.Apply(groups[start])
			if !yield(domain.Bucket{Start: start, Value: v}, nil) {
				return
			}
		}
	}
}

func (m *MockMetricRepository) PointsSince(ctx context.Context, since time.Time) iter.Seq2[domain.MetricPoint, error] {
	return func(yield func(domain.MetricPoint, error) bool) {
		m.mu.Lock()
		if m.QueryErr != nil {
			err := m.QueryErr
			m.mu.Unlock()
			yield(domain.MetricPoint{}, err)
			return
		}
		var out []domain.MetricPoint
		for _, p := range m.Points {
			if !p.Timestamp.Before(since) {
				out = append(out, p)
			}
		}
		m.mu.Unlock()
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
		for _, p := range out {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (m *MockMetricRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PruneErr != nil {
		return 0, m.PruneErr
	}
	kept := m.Points[:0]
	var n int64
	for _, p := range m.Points {
		if p.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.Points = kept
	m.PrunedCount += n
	return n, nil
}

// Stored returns a copy of all stored points.
func (m *MockMetricRepository) Stored() []domain.MetricPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MetricPoint(nil), m.Points...)
}

// MockRecentCache wraps a real cache and injects failures.
type MockRecentCache struct {
	domain.RecentCache
	mu        sync.Mutex
	AppendErr error
	SeriesErr error

	misses domain.MissLog
}

func (m *MockRecentCache) Append(ctx context.Context, points []domain.MetricPoint) error {
	m.mu.Lock()
	err := m.AppendErr
	m.mu.Unlock()
	if err != nil {
		m.misses.Record(points)
		return err
	}
	return m.RecentCache.Append(ctx, points)
}

// MissedThrough includes appends that failed by injection.
func (m *MockRecentCache) MissedThrough(metricName string) time.Time {
	t := m.RecentCache.MissedThrough(metricName)
	if own := m.misses.Through(metricName); own.After(t) {
		t = own
	}
	return t
}

// SetAppendErr changes the injected Append error under the lock.
func (m *MockRecentCache) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

func (m *MockRecentCache) Series(ctx context.Context, metricName string, filter domain.Labels, since time.Time) ([]domain.SeriesWindow, error) {
	m.mu.Lock()
	err := m.SeriesErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.RecentCache.Series(ctx, metricName, filter, since)
}

// SetSeriesErr changes the injected Series error under the lock.
func (m *MockRecentCache) SetSeriesErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SeriesErr = err
}

// MockRuleRepository is an in-memory domain.RuleRepository for testing.
type MockRuleRepository struct {
	mu           sync.Mutex
	Rules        map[uuid.UUID]*domain.AlertRule
	ConfigErrors map[uuid.UUID]string
	ListErr      error
}

func NewMockRuleRepository(rules ...*domain.AlertRule) *MockRuleRepository {
	m := &MockRuleRepository{Rules: make(map[uuid.UUID]*domain.AlertRule), ConfigErrors: make(map[uuid.UUID]string)}
	for _, r := range rules {
		cp := *r
		m.Rules[r.ID] = &cp
	}
	return m
}

func (m *MockRuleRepository) Create(ctx context.Context, rule *domain.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rule
	m.Rules[rule.ID] = &cp
	return nil
}

func (m *MockRuleRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MockRuleRepository) list(enabledOnly bool) ([]*domain.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]*domain.AlertRule, 0, len(m.Rules))
	for _, r := range m.Rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockRuleRepository) List(ctx context.Context) ([]*domain.AlertRule, error) {
	return m.list(false)
}

func (m *MockRuleRepository) ListEnabled(ctx context.Context) ([]*domain.AlertRule, error) {
	return m.list(true)
}

func (m *MockRuleRepository) Update(ctx context.Context, rule *domain.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Rules[rule.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *rule
	m.Rules[rule.ID] = &cp
	return nil
}

func (m *MockRuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.Rules, id)
	return nil
}

func (m *MockRuleRepository) SetConfigError(ctx context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Rules[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.ConfigError = msg
	m.ConfigErrors[id] = msg
	return nil
}

// MockAlertRepository is an in-memory domain.AlertRepository for testing.
// Like the database, it rejects a second open alert for a dedup key.
type MockAlertRepository struct {
	mu          sync.Mutex
	Alerts      map[uuid.UUID]*domain.Alert
	CreateCalls int
	UpdateCalls int
	CreateErr   error
	UpdateErr   error
}

func NewMockAlertRepository() *MockAlertRepository {
	return &MockAlertRepository{Alerts: make(map[uuid.UUID]*domain.Alert)}
}

// ErrDuplicateOpenAlert mirrors the partial unique index violation.
var ErrDuplicateOpenAlert = errors.New("duplicate open alert")

func (m *MockAlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateErr != nil {
		return m.CreateErr
	}
	for _, a := range m.Alerts {
		if a.Status.Open() && a.DedupKey() == alert.DedupKey() {
			return ErrDuplicateOpenAlert
		}
	}
	cp := *alert
	m.Alerts[alert.ID] = &cp
	return nil
}

func (m *MockAlertRepository) Update(ctx context.Context, alert *domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.Alerts[alert.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *alert
	m.Alerts[alert.ID] = &cp
	return nil
}

func (m *MockAlertRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockAlertRepository) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Alert
	for _, a := range m.Alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.RuleID != uuid.Nil && a.RuleID != filter.RuleID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockAlertRepository) ListOpen(ctx context.Context) ([]*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Alert
	for _, a := range m.Alerts {
		if a.Status.Open() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ByRule returns every stored alert of a rule, oldest first.
func (m *MockAlertRepository) ByRule(ruleID uuid.UUID) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Alert
	for _, a := range m.Alerts {
		if a.RuleID == ruleID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MockChannelRepository is an in-memory domain.ChannelRepository for testing.
type MockChannelRepository struct {
	mu          sync.Mutex
	Channels    map[uuid.UUID]*domain.NotificationChannel
	HealthCalls []HealthCall
	FindErr     error
}

// HealthCall records one SetHealth invocation.
type HealthCall struct {
	ID      uuid.UUID
	Health  domain.ChannelHealth
	LastErr string
}

func NewMockChannelRepository(channels ...*domain.NotificationChannel) *MockChannelRepository {
	m := &MockChannelRepository{Channels: make(map[uuid.UUID]*domain.NotificationChannel)}
	for _, c := range channels {
		cp := *c
		m.Channels[c.ID] = &cp
	}
	return m
}

func (m *MockChannelRepository) Create(ctx context.Context, ch *domain.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	m.Channels[ch.ID] = &cp
	return nil
}

func (m *MockChannelRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.NotificationChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	c, ok := m.Channels[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockChannelRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.NotificationChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	var out []*domain.NotificationChannel
	for _, id := range ids {
		if c, ok := m.Channels[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockChannelRepository) List(ctx context.Context) ([]*domain.NotificationChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.NotificationChannel, 0, len(m.Channels))
	for _, c := range m.Channels {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockChannelRepository) Update(ctx context.Context, ch *domain.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Channels[ch.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *ch
	m.Channels[ch.ID] = &cp
	return nil
}

func (m *MockChannelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Channels[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.Channels, id)
	return nil
}

func (m *MockChannelRepository) SetHealth(ctx context.Context, id uuid.UUID, health domain.ChannelHealth, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthCalls = append(m.HealthCalls, HealthCall{ID: id, Health: health, LastErr: lastErr})
	c, ok := m.Channels[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Health = health
	c.LastError = lastErr
	return nil
}

// Health returns the current health of a channel.
func (m *MockChannelRepository) Health(id uuid.UUID) domain.ChannelHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Channels[id]; ok {
		return c.Health
	}
	return ""
}

// MockWALRepository is an in-memory domain.WALRepository for testing.
type MockWALRepository struct {
	mu        sync.Mutex
	Batches   [][]domain.MetricPoint
	Truncated int
	WriteErr  error
	// OnReplay runs after each replayed batch, e.g. to write concurrently.
	OnReplay func()

	replayed int
}

func (m *MockWALRepository) Write(ctx context.Context, points []domain.MetricPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Batches = append(m.Batches, append([]domain.MetricPoint(nil), points...))
	return nil
}

func (m *MockWALRepository) Replay(ctx context.Context, handler func(batchID string, points []domain.MetricPoint) error) error {
	m.mu.Lock()
	batches := append([][]domain.MetricPoint(nil), m.Batches...)
	m.replayed = 0
	m.mu.Unlock()
	for i, b := range batches {
		if err := handler(uuid.NewSHA1(uuid.Nil, []byte{byte(i)}).String(), b); err != nil {
			return err
		}
		if m.OnReplay != nil {
			m.OnReplay()
		}
	}
	m.mu.Lock()
	m.replayed = len(batches)
	m.mu.Unlock()
	return nil
}

// Truncate drops only the batches read by the last Replay.
func (m *MockWALRepository) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = append([][]domain.MetricPoint(nil), m.Batches[m.replayed:]...)
	m.replayed = 0
	m.Truncated++
	return nil
}

// Pending returns the number of batches waiting for replay.
func (m *MockWALRepository) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Batches)
}
