package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a rule, alert or channel does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an alert cannot move to the requested state.
	ErrInvalidTransition = errors.New("invalid alert state transition")
	// ErrWALFull is returned when the write-ahead log has reached its disk budget.
	ErrWALFull = errors.New("write-ahead log is full")
)

// IngestionError reports a malformed metric point. The point is never stored.
type IngestionError struct {
	Index  int // position in the submitted batch, -1 for single points
	Field  string
	Reason string
}

func (e *IngestionError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("point %d: %s %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// RuleConfigError reports an alert rule that cannot be evaluated.
type RuleConfigError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *RuleConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: %s %s", e.RuleID, e.Field, e.Reason)
}

// NotificationDeliveryError is a single failed delivery attempt to a channel.
type NotificationDeliveryError struct {
	ChannelID string
	Attempt   int
	Err       error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("delivery to channel %s failed (attempt %d): %v", e.ChannelID, e.Attempt, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error { return e.Err }

// StreamTransportError is a failed write to one streaming subscriber.
type StreamTransportError struct {
	SubscriberID string
	Err          error
}

func (e *StreamTransportError) Error() string {
	return fmt.Sprintf("stream subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *StreamTransportError) Unwrap() error { return e.Err }

// ValidationError reports invalid CRUD or query input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
