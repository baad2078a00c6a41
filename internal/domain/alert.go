package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operator compares a metric value against a rule threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
)

// Compare reports whether value <op> threshold holds.
func (o Operator) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OpGT:
		return value > threshold, nil
	case OpLT:
		return value < threshold, nil
	case OpEQ:
		return value == threshold, nil
	case OpNE:
		return value != threshold, nil
	case OpGTE:
		return value >= threshold, nil
	case OpLTE:
		return value <= threshold, nil
	}
	return false, fmt.Errorf("unknown operator %q", string(o))
}

// Severity of a rule and the alerts it produces.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Duration is a time.Duration that travels as a Go duration string ("5m") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are taken as seconds.
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("duration must be a string like \"5m\" or a number of seconds")
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// AlertRule is a threshold condition over a metric.
type AlertRule struct {
	ID                   uuid.UUID   `json:"id"`
	Name                 string      `json:"name"`
	Description          string      `json:"description"`
	MetricName           string      `json:"metric_name"`
	Operator             Operator    `json:"operator"`
	Threshold            float64     `json:"threshold"`
	Severity             Severity    `json:"severity"`
	Enabled              bool        `json:"enabled"`
	Labels               Labels      `json:"labels,omitempty"`
	NotificationChannels []uuid.UUID `json:"notification_channels"`
	Aggregation          Aggregation `json:"aggregation,omitempty"`
	Window               Duration    `json:"window,omitempty"`
	ForCount             int         `json:"for_count,omitempty"`
	ConfigError          string      `json:"config_error,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Validate returns a *RuleConfigError describing the first problem found.
func (r AlertRule) Validate() error {
	id := ""
	if r.ID != uuid.Nil {
		id = r.ID.String()
	}
	if strings.TrimSpace(r.Name) == "" {
		return &RuleConfigError{RuleID: id, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(r.MetricName) == "" {
		return &RuleConfigError{RuleID: id, Field: "metric_name", Reason: "is required"}
	}
	if _, err := r.Operator.Compare(0, 0); err != nil {
		return &RuleConfigError{RuleID: id, Field: "operator", Reason: err.Error()}
	}
	if !r.Severity.Valid() {
		return &RuleConfigError{RuleID: id, Field: "severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	if r.Aggregation != "" {
		if !r.Aggregation.Valid() {
			return &RuleConfigError{RuleID: id, Field: "aggregation", Reason: fmt.Sprintf("unknown aggregation %q", r.Aggregation)}
		}
		if r.Window <= 0 {
			return &RuleConfigError{RuleID: id, Field: "window", Reason: "must be positive when aggregation is set"}
		}
	}
	if r.ForCount < 0 {
		return &RuleConfigError{RuleID: id, Field: "for_count", Reason: "must not be negative"}
	}
	return nil
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertSilenced AlertStatus = "silenced"
	AlertResolved AlertStatus = "resolved"
)

// Open reports whether the alert still occupies its dedup key.
func (s AlertStatus) Open() bool {
	return s == AlertActive || s == AlertSilenced
}

// Alert is one breach instance of a rule for one entity.
type Alert struct {
	ID            uuid.UUID   `json:"id"`
	RuleID        uuid.UUID   `json:"rule_id"`
	EntityKey     string      `json:"entity_key"`
	Labels        Labels      `json:"labels,omitempty"`
	Severity      Severity    `json:"severity"`
	Status        AlertStatus `json:"status"`
	Message       string      `json:"message"`
	CurrentValue  float64     `json:"current_value"`
	Threshold     float64     `json:"threshold"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
	SilencedUntil *time.Time  `json:"silenced_until,omitempty"`
}

// DedupKey identifies the (rule, entity) pair an alert belongs to.
func DedupKey(ruleID uuid.UUID, entityKey string) string {
	return ruleID.String() + "|" + entityKey
}

// DedupKey returns the alert's (rule, entity) key.
func (a Alert) DedupKey() string {
	return DedupKey(a.RuleID, a.EntityKey)
}

// AlertFilter narrows alert listings. Zero values mean "any".
type AlertFilter struct {
	Status AlertStatus
	RuleID uuid.UUID
	Limit  int
}
