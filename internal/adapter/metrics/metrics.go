package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agent_monitor"

// Metrics holds all Prometheus metrics for the monitoring engine.
type Metrics struct {
	PointsTotal         *prometheus.CounterVec // status: accepted, rejected, error_store
	WALActive           prometheus.Gauge
	CacheErrors         prometheus.Counter
	QueryPartial        prometheus.Counter
	PrunedPoints        prometheus.Counter
	Evaluations         *prometheus.CounterVec // result: ok, error
	EvaluationDuration  prometheus.Histogram
	RuleConfigErrors    prometheus.Counter
	AlertTransitions    *prometheus.CounterVec // transition: created, resolved, silenced, reactivated
	OpenAlerts          prometheus.Gauge
	NotifyAttempts      *prometheus.CounterVec // type, result: success, failure
	NotifyDropped       prometheus.Counter
	ChannelsDegraded    prometheus.Counter
	HubSubscribers      prometheus.Gauge
	HubEvictions        prometheus.Counter
	HubDroppedBroadcast prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "points_total",
			Help:      "Total number of submitted metric points by status.",
		}, []string{"status"}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
		CacheErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "cache_errors_total",
			Help:      "Total number of failed recent-window cache operations.",
		}),
		QueryPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "partial_queries_total",
			Help:      "Total number of range queries answered with missing ranges.",
		}),
		PrunedPoints: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pruned_points_total",
			Help:      "Total number of points removed by retention.",
		}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "rule_evaluations_total",
			Help:      "Total number of rule evaluations by result.",
		}, []string{"result"}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a full evaluation tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		RuleConfigErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "rule_config_errors_total",
			Help:      "Total number of rules skipped because of invalid configuration.",
		}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Total number of alert state transitions.",
		}, []string{"transition"}),
		OpenAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "open",
			Help:      "Number of active or silenced alerts.",
		}),
		NotifyAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Total number of delivery attempts by channel type and result.",
		}, []string{"type", "result"}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Total number of notifications dropped because the queue was full.",
		}),
		ChannelsDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "channels_degraded_total",
			Help:      "Total number of times a channel was marked degraded.",
		}),
		HubSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of connected streaming subscribers.",
		}),
		HubEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Total number of subscribers evicted for being slow or failing.",
		}),
		HubDroppedBroadcast: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_events_total",
			Help:      "Total number of events dropped because the broadcast buffer was full.",
		}),
	}
}
