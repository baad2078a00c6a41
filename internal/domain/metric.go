package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Labels identifies the entity a metric point belongs to (e.g. agent_id).
type Labels map[string]string

var labelEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `=`, `\=`)

// Key returns the canonical string form of the label set: sorted "k=v" pairs
// joined by commas, with '\', ',' and '=' inside names and values escaped by
// a backslash. It is used as the series identity and as the alert entity key.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		labelEscaper.WriteString(&b, k)
		b.WriteByte('=')
		labelEscaper.WriteString(&b, l[k])
	}
	return b.String()
}

// Matches reports whether every pair in filter is present in l.
// An empty filter matches any label set.
func (l Labels) Matches(filter Labels) bool {
	for k, v := range filter {
		if got, ok := l[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Clone returns a copy that can be retained without aliasing.
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// ParseLabels parses "k=v,k=v" into Labels. Whitespace around pairs is ignored.
func ParseLabels(s string) (Labels, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	out := Labels{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &ValidationError{Field: "labels", Reason: fmt.Sprintf("malformed pair %q", pair)}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// MetricPoint is a single timestamped observation. Points are append-only.
type MetricPoint struct {
	MetricName string    `json:"metric_name"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Labels     Labels    `json:"labels,omitempty"`
}

// SeriesKey is the canonical identity of the series the point belongs to.
func (p MetricPoint) SeriesKey() string {
	return p.Labels.Key()
}

// Validate returns an *IngestionError when the point cannot be stored.
func (p MetricPoint) Validate() error {
	if strings.TrimSpace(p.MetricName) == "" {
		return &IngestionError{Index: -1, Field: "metric_name", Reason: "must not be empty"}
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return &IngestionError{Index: -1, Field: "value", Reason: "must be a finite number"}
	}
	for k := range p.Labels {
		if strings.TrimSpace(k) == "" {
			return &IngestionError{Index: -1, Field: "labels", Reason: "label names must not be empty"}
		}
	}
	return nil
}

// Aggregation combines the values that fall into a bucket.
type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
	AggLast  Aggregation = "last"
)

// Valid reports whether a is a known aggregation.
func (a Aggregation) Valid() bool {
	switch a {
	case AggAvg, AggSum, AggMin, AggMax, AggCount, AggLast:
		return true
	}
	return false
}

// Apply folds values (in timestamp order) with the aggregation.
// It returns false when values is empty.
func (a Aggregation) Apply(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch a {
	case AggSum, AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if a == AggAvg {
			return sum / float64(len(values)), true
		}
		return sum, true
	case AggMin:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m, true
	case AggMax:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m, true
	case AggCount:
		return float64(len(values)), true
	case AggLast:
		return values[len(values)-1], true
	}
	return 0, false
}

// Bucket is one aggregated interval of a range query.
type Bucket struct {
	Start time.Time `json:"bucket_start"`
	Value float64   `json:"value"`
}

// BucketStart aligns t to the start of its interval bucket (Unix epoch aligned).
func BucketStart(t time.Time, interval time.Duration) time.Time {
	ns, iv := t.UnixNano(), int64(interval)
	rem := ns % iv
	if rem < 0 {
		rem += iv
	}
	return time.Unix(0, ns-rem).UTC()
}

// BucketCeil returns the first bucket boundary at or after t.
func BucketCeil(t time.Time, interval time.Duration) time.Time {
	start := BucketStart(t, interval)
	if start.Equal(t) {
		return start
	}
	return start.Add(interval)
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SeriesQuery describes a bucketed range query.
type SeriesQuery struct {
	MetricName  string
	Start       time.Time
	End         time.Time
	Interval    time.Duration
	Labels      Labels
	Aggregation Aggregation
}

// Validate checks query bounds. maxBuckets <= 0 disables the bucket cap.
func (q SeriesQuery) Validate(maxBuckets int) error {
	if strings.TrimSpace(q.MetricName) == "" {
		return &ValidationError{Field: "metric_name", Reason: "is required"}
	}
	if !q.End.After(q.Start) {
		return &ValidationError{Field: "end", Reason: "must be after start"}
	}
	if q.Interval <= 0 {
		return &ValidationError{Field: "interval", Reason: "must be positive"}
	}
	if !q.Aggregation.Valid() {
		return &ValidationError{Field: "aggregation", Reason: fmt.Sprintf("unknown aggregation %q", q.Aggregation)}
	}
	if maxBuckets > 0 && q.End.Sub(q.Start)/q.Interval > time.Duration(maxBuckets) {
		return &ValidationError{Field: "interval", Reason: fmt.Sprintf("query spans more than %d buckets", maxBuckets)}
	}
	return nil
}

// SeriesWindow is the recent points of one series, oldest first.
type SeriesWindow struct {
	MetricName string
	Labels     Labels
	Points     []MetricPoint

	// CompleteFrom is set when the point cap evicted part of the window:
	// Points holds every point of the series at or after it. Zero means
	// nothing inside the window was evicted.
	CompleteFrom time.Time
}

// Latest returns the newest point of the window.
func (w SeriesWindow) Latest() (MetricPoint, bool) {
	if len(w.Points) == 0 {
		return MetricPoint{}, false
	}
	return w.Points[len(w.Points)-1], true
}

// ValuesSince returns the values of points at or after since, oldest first.
func (w SeriesWindow) ValuesSince(since time.Time) []float64 {
	idx := sort.Search(len(w.Points), func(i int) bool {
		return !w.Points[i].Timestamp.Before(since)
	})
	out := make([]float64, 0, len(w.Points)-idx)
	for _, p := range w.Points[idx:] {
		out = append(out, p.Value)
	}
	return out
}

// MissLog remembers, per metric, the newest timestamp of a point a cache
// failed to hold. The zero value is ready to use.
type MissLog struct {
	mu  sync.Mutex
	all time.Time
	by  map[string]time.Time
}

// Record notes that points were not stored.
func (m *MissLog) Record(points []MetricPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.by == nil {
		m.by = make(map[string]time.Time)
	}
	for _, p := range points {
		if p.Timestamp.After(m.by[p.MetricName]) {
			m.by[p.MetricName] = p.Timestamp
		}
	}
}

// RecordAll notes that any metric may be missing points up to through.
func (m *MissLog) RecordAll(through time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if through.After(m.all) {
		m.all = through
	}
}

// Through returns the newest missed timestamp for metricName, or the zero time.
func (m *MissLog) Through(metricName string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.by[metricName]
	if m.all.After(t) {
		t = m.all
	}
	return t
}
