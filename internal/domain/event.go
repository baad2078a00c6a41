package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags the envelope pushed to streaming clients.
type EventType string

const (
	EventMetricUpdate   EventType = "metric_update"
	EventAlertCreated   EventType = "alert_created"
	EventAlertResolved  EventType = "alert_resolved"
	EventAlertUpdated   EventType = "alert_updated"
	EventSystemOverview EventType = "system_overview"
)

// Event is the {type, data} envelope distributed by the hub.
// Labels scope the event to an entity and are not serialized;
// events without labels reach every subscriber.
type Event struct {
	Type   EventType `json:"type"`
	Data   any       `json:"data"`
	Labels Labels    `json:"-"`
}

// MetricUpdate is the payload of a metric_update event.
type MetricUpdate struct {
	MetricName string    `json:"metric_name"`
	EntityKey  string    `json:"entity_key"`
	Labels     Labels    `json:"labels,omitempty"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMetricEvent wraps a point in a metric_update envelope.
func NewMetricEvent(p MetricPoint) Event {
	return Event{
		Type: EventMetricUpdate,
		Data: MetricUpdate{
			MetricName: p.MetricName,
			EntityKey:  p.SeriesKey(),
			Labels:     p.Labels,
			Value:      p.Value,
			Timestamp:  p.Timestamp,
		},
		Labels: p.Labels,
	}
}

// NewAlertEvent wraps an alert snapshot in a lifecycle envelope.
func NewAlertEvent(t EventType, a Alert) Event {
	return Event{Type: t, Data: a, Labels: a.Labels}
}

// SystemOverview is the payload of the periodic system_overview event.
type SystemOverview struct {
	ActiveAlerts     int              `json:"active_alerts"`
	SilencedAlerts   int              `json:"silenced_alerts"`
	BySeverity       map[Severity]int `json:"by_severity"`
	IngestRate       float64          `json:"ingest_rate"`
	Subscribers      int              `json:"subscribers"`
	DegradedChannels int              `json:"degraded_channels"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// NotificationKind distinguishes firing, resolution and test deliveries.
type NotificationKind string

const (
	NotifyFiring   NotificationKind = "firing"
	NotifyResolved NotificationKind = "resolved"
	NotifyTest     NotificationKind = "test"
)

// Notification is one alert lifecycle event to deliver to a rule's channels.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Alert      Alert            `json:"alert"`
	RuleName   string           `json:"rule_name"`
	MetricName string           `json:"metric_name"`
	Operator   Operator         `json:"operator"`
	ChannelIDs []uuid.UUID      `json:"-"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewNotification builds a notification for alert a raised by rule r.
func NewNotification(kind NotificationKind, a Alert, r AlertRule, now time.Time) Notification {
	return Notification{
		Kind:       kind,
		Alert:      a,
		RuleName:   r.Name,
		MetricName: r.MetricName,
		Operator:   r.Operator,
		ChannelIDs: append([]uuid.UUID(nil), r.NotificationChannels...),
		CreatedAt:  now,
	}
}

// EventPublisher distributes events to streaming subscribers. Publish must not block.
type EventPublisher interface {
	Publish(e Event)
}

// NotificationQueue accepts notifications for asynchronous delivery.
// Enqueue reports false when the notification was dropped.
type NotificationQueue interface {
	Enqueue(n Notification) bool
}
