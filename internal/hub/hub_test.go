package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/domain"
)

func newTestHub(buffer int) *Hub {
	return New(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.NewMetrics(prometheus.NewRegistry()))
}

func metricEvent(agent string, v float64) domain.Event {
	return domain.NewMetricEvent(domain.MetricPoint{
		MetricName: "cpu_usage",
		Timestamp:  time.Now().UTC(),
		Value:      v,
		Labels:     domain.Labels{"agent_id": agent},
	})
}

func drain(sub *Subscription) []string {
	var types []string
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return types
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &env); err == nil {
				types = append(types, env.Type)
			}
		default:
			return types
		}
	}
}

func TestHub_TopicFiltering(t *testing.T) {
	h := newTestHub(8)

	global, err := h.Subscribe("")
	require.NoError(t, err)
	a1, err := h.Subscribe("agent_id=a1")
	require.NoError(t, err)
	bare, err := h.Subscribe("a2")
	require.NoError(t, err)

	h.fanout(metricEvent("a1", 1))
	h.fanout(metricEvent("a2", 2))
	h.fanout(domain.Event{Type: domain.EventSystemOverview, Data: domain.SystemOverview{}})

	assert.Len(t, drain(global), 3)
	assert.Equal(t, []string{"metric_update", "system_overview"}, drain(a1))
	assert.Equal(t, []string{"metric_update", "system_overview"}, drain(bare))
	assert.Equal(t, 3, h.Count())
}

func TestHub_SetTopic(t *testing.T) {
	h := newTestHub(8)
	sub, err := h.Subscribe("agent_id=a1")
	require.NoError(t, err)

	require.NoError(t, sub.SetTopic("agent_id=a2"))
	assert.Equal(t, "agent_id=a2", sub.Topic())

	h.fanout(metricEvent("a1", 1))
	h.fanout(metricEvent("a2", 1))
	assert.Len(t, drain(sub), 1)

	var verr *domain.ValidationError
	assert.ErrorAs(t, sub.SetTopic("=broken"), &verr)
	assert.Equal(t, "agent_id=a2", sub.Topic(), "a rejected topic must not replace the current one")
}

func TestHub_SlowSubscriberEvicted(t *testing.T) {
	h := newTestHub(1)
	slow, err := h.Subscribe("")
	require.NoError(t, err)
	fast, err := h.Subscribe("")
	require.NoError(t, err)

	h.fanout(metricEvent("a1", 1))
	<-fast.Messages()
	h.fanout(metricEvent("a1", 2))

	// The slow subscriber still holds the first message and is dropped on the second.
	_, ok := <-slow.Messages()
	assert.True(t, ok)
	_, ok = <-slow.Messages()
	assert.False(t, ok, "slow subscriber should be closed")

	select {
	case msg := <-fast.Messages():
		assert.NotEmpty(t, msg)
	default:
		t.Fatal("fast subscriber should still receive events")
	}
	assert.Equal(t, 1, h.Count())
}

func TestHub_EvictAndUnsubscribeIdempotent(t *testing.T) {
	h := newTestHub(1)
	sub, err := h.Subscribe("")
	require.NoError(t, err)

	h.Evict(sub, errors.New("write: broken pipe"))
	h.Unsubscribe(sub)
	h.Evict(sub, errors.New("again"))
	assert.Equal(t, 0, h.Count())
}

func TestHub_RunDeliversAndClosesOnCancel(t *testing.T) {
	h := newTestHub(4)
	sub, err := h.Subscribe(GlobalTopic)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	h.Publish(metricEvent("a1", 42))
	select {
	case msg := <-sub.Messages():
		var env struct {
			Type string              `json:"type"`
			Data domain.MetricUpdate `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, "metric_update", env.Type)
		assert.Equal(t, 42.0, env.Data.Value)
		assert.Equal(t, "agent_id=a1", env.Data.EntityKey)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	<-done
	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Count())
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := newTestHub(1)
	// Nothing drains the broadcast channel; Publish must still return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBroadcastBuffer+10; i++ {
			h.Publish(metricEvent("a1", float64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}
