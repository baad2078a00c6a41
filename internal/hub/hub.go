package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

const defaultBroadcastBuffer = 1024

// GlobalTopic receives every event.
const GlobalTopic = "global"

// Subscription is one streaming client. Messages are encoded {type, data}
// envelopes; the channel is closed when the subscriber is removed.
type Subscription struct {
	id       string
	ch       chan []byte
	selector atomic.Pointer[selector]
}

type selector struct {
	raw    string
	labels domain.Labels // nil matches everything
}

func parseTopic(topic string) (*selector, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || topic == GlobalTopic {
		return &selector{raw: topic}, nil
	}
	// A bare value is shorthand for an agent id.
	if !strings.Contains(topic, "=") {
		return &selector{raw: topic, labels: domain.Labels{"agent_id": topic}}, nil
	}
	labels, err := domain.ParseLabels(topic)
	if err != nil {
		return nil, &domain.ValidationError{Field: "topic", Reason: err.Error()}
	}
	return &selector{raw: topic, labels: labels}, nil
}

// ID returns the subscriber id used in logs and errors.
func (s *Subscription) ID() string { return s.id }

// Messages returns the channel the subscriber reads from.
func (s *Subscription) Messages() <-chan []byte { return s.ch }

// Topic returns the current topic.
func (s *Subscription) Topic() string { return s.selector.Load().raw }

// SetTopic changes what the subscription receives from the next event on.
func (s *Subscription) SetTopic(topic string) error {
	sel, err := parseTopic(topic)
	if err != nil {
		return err
	}
	s.selector.Store(sel)
	return nil
}

func (s *Subscription) wants(labels domain.Labels) bool {
	sel := s.selector.Load()
	if len(sel.labels) == 0 || len(labels) == 0 {
		return true
	}
	return labels.Matches(sel.labels)
}

// Hub fans events out to subscribers. Publishers never wait for subscribers:
// events go through a buffered broadcast channel and a subscriber whose
// buffer is full is evicted.
type Hub struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	buffer    int
	broadcast chan domain.Event

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New creates a hub whose subscribers each buffer up to buffer messages.
func New(buffer int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		logger:    logger.With("component", "hub"),
		metrics:   m,
		buffer:    buffer,
		broadcast: make(chan domain.Event, defaultBroadcastBuffer),
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber for topic.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	sel, err := parseTopic(topic)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{id: uuid.NewString(), ch: make(chan []byte, h.buffer)}
	sub.selector.Store(sel)

	h.mu.Lock()
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.HubSubscribers.Set(float64(n))
	h.logger.Info("subscriber connected", "subscriber_id", sub.id, "topic", sel.raw)
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel. It is safe to call
// after the hub already evicted it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if h.remove(sub) {
		h.logger.Info("subscriber disconnected", "subscriber_id", sub.id)
	}
}

// Evict removes a subscriber after a transport failure.
func (h *Hub) Evict(sub *Subscription, err error) {
	if h.remove(sub) {
		h.metrics.HubEvictions.Inc()
		h.logger.Warn("subscriber evicted", "error", &domain.StreamTransportError{SubscriberID: sub.id, Err: err})
	}
}

func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	if _, ok := h.subs[sub.id]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.HubSubscribers.Set(float64(n))
	return true
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues e for delivery. When the broadcast buffer is full the event is dropped.
func (h *Hub) Publish(e domain.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.metrics.HubDroppedBroadcast.Inc()
		h.logger.Warn("broadcast buffer full, dropping event", "type", e.Type)
	}
}

// Run delivers published events until ctx is cancelled, then closes every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.broadcast:
			h.fanout(e)
		}
	}
}

func (h *Hub) fanout(e domain.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err, "type", e.Type)
		return
	}

	var slow []*Subscription
	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.wants(e.Labels) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		if h.remove(sub) {
			h.metrics.HubEvictions.Inc()
			h.logger.Warn("subscriber buffer full, evicting", "subscriber_id", sub.id)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.metrics.HubSubscribers.Set(0)
}
