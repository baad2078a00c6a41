package handler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/usecase"
)

const (
	defaultQueryRange    = time.Hour
	defaultQueryInterval = time.Minute
)

// MetricsHandler serves metric ingestion and range queries.
type MetricsHandler struct {
	ingest      *usecase.IngestMetricUseCase
	query       *usecase.QueryMetricUseCase
	logger      *slog.Logger
	maxBodySize int64
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(ingest *usecase.IngestMetricUseCase, query *usecase.QueryMetricUseCase, logger *slog.Logger, maxBodySize int64) *MetricsHandler {
	return &MetricsHandler{
		ingest:      ingest,
		query:       query,
		logger:      logger.With("component", "metrics_handler"),
		maxBodySize: maxBodySize,
	}
}

// Ingest handles POST /metrics. The body is a single point, an array of
// points, or NDJSON with one point per line.
func (h *MetricsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	// Enforce max body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		points []domain.MetricPoint
		err    error
	)
	switch mediaType {
	case "application/json":
		points, err = decodeJSONPoints(r.Body)
	case "application/x-ndjson":
		points, err = decodeNDJSONPoints(r.Body, h.maxBodySize)
	default:
		respondWithError(w, h.logger, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported media type %q", mediaType))
		return
	}
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondWithError(w, h.logger, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondWithError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if len(points) == 0 {
		respondWithError(w, h.logger, http.StatusBadRequest, "no metric points in request body")
		return
	}

	n, err := h.ingest.Ingest(r.Context(), points)
	if err != nil {
		var ingestErr *domain.IngestionError
		if errors.As(err, &ingestErr) {
			writeError(w, h.logger, err)
			return
		}
		h.logger.Error("failed to ingest metric points", "error", err, "points", len(points))
		respondWithError(w, h.logger, http.StatusServiceUnavailable, "metric store unavailable")
		return
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, map[string]int{"accepted": n})
}

func decodeJSONPoints(body io.Reader) ([]domain.MetricPoint, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var points []domain.MetricPoint
		if err := json.Unmarshal(raw, &points); err != nil {
			return nil, fmt.Errorf("failed to decode JSON array: %w", err)
		}
		return points, nil
	}
	var p domain.MetricPoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return []domain.MetricPoint{p}, nil
}

func decodeNDJSONPoints(body io.Reader, maxLine int64) ([]domain.MetricPoint, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(max(maxLine, 64*1024)))

	var points []domain.MetricPoint
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var p domain.MetricPoint
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("failed to decode NDJSON line %d: %w", line, err)
		}
		points = append(points, p)
	}
	return points, scanner.Err()
}

// seriesResponse is the body of GET /metrics.
type seriesResponse struct {
	MetricName    string             `json:"metric_name"`
	Aggregation   domain.Aggregation `json:"aggregation"`
	Interval      string             `json:"interval"`
	Start         time.Time          `json:"start"`
	End           time.Time          `json:"end"`
	Buckets       []domain.Bucket    `json:"buckets"`
	Partial       bool               `json:"partial"`
	MissingRanges []domain.TimeRange `json:"missing_ranges"`
}

// Query handles GET /metrics.
func (h *MetricsHandler) Query(w http.ResponseWriter, r *http.Request) {
	q, err := parseSeriesQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.query.Query(r.Context(), q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	buckets := []domain.Bucket{}
	for b := range res.Buckets() {
		buckets = append(buckets, b)
	}
	if err := res.Err(); err != nil {
		respondWithError(w, h.logger, http.StatusServiceUnavailable, err.Error())
		return
	}
	missing := res.Missing()
	if missing == nil {
		missing = []domain.TimeRange{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, seriesResponse{
		MetricName:    res.Query.MetricName,
		Aggregation:   res.Query.Aggregation,
		Interval:      res.Query.Interval.String(),
		Start:         res.Query.Start,
		End:           res.Query.End,
		Buckets:       buckets,
		Partial:       len(missing) > 0,
		MissingRanges: missing,
	})
}

// parseSeriesQuery reads the query string. end defaults to now, start to an
// hour before end, interval to one minute and aggregation to avg.
func parseSeriesQuery(r *http.Request) (domain.SeriesQuery, error) {
	v := r.URL.Query()
	q := domain.SeriesQuery{
		MetricName:  v.Get("metric_name"),
		End:         time.Now().UTC(),
		Interval:    defaultQueryInterval,
		Aggregation: domain.AggAvg,
	}
	var err error
	if s := v.Get("end"); s != "" {
		if q.End, err = parseTime(s); err != nil {
			return q, &domain.ValidationError{Field: "end", Reason: err.Error()}
		}
	}
	q.Start = q.End.Add(-defaultQueryRange)
	if s := v.Get("start"); s != "" {
		if q.Start, err = parseTime(s); err != nil {
			return q, &domain.ValidationError{Field: "start", Reason: err.Error()}
		}
	}
	if s := v.Get("interval"); s != "" {
		if q.Interval, err = time.ParseDuration(s); err != nil {
			return q, &domain.ValidationError{Field: "interval", Reason: err.Error()}
		}
	}
	if s := v.Get("aggregation"); s != "" {
		q.Aggregation = domain.Aggregation(s)
	}
	if q.Labels, err = domain.ParseLabels(v.Get("labels")); err != nil {
		return q, err
	}
	return q, nil
}

// parseTime accepts RFC3339 or Unix seconds (fractions allowed).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, errors.New("must be RFC3339 or Unix seconds")
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}
