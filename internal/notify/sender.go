package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const userAgent = "agent-monitor/1.0"

// Sender delivers a notification over one channel's transport.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Pinger is implemented by senders that can check their endpoint without
// delivering anything. The dispatcher uses it to recover degraded channels.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Factory builds a Sender from a stored channel.
type Factory func(ch *domain.NotificationChannel) (Sender, error)

// Registry maps channel types to sender factories.
type Registry struct {
	factories map[domain.ChannelType]Factory
}

// NewRegistry returns a registry with the email, webhook and slack senders.
// HTTP based senders share client; attempt deadlines come from the context.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	r := &Registry{factories: make(map[domain.ChannelType]Factory)}
	r.Register(domain.ChannelEmail, func(ch *domain.NotificationChannel) (Sender, error) {
		var cfg domain.EmailConfig
		if err := ch.DecodeConfig(&cfg); err != nil {
			return nil, err
		}
		return NewEmailSender(cfg), nil
	})
	r.Register(domain.ChannelWebhook, func(ch *domain.NotificationChannel) (Sender, error) {
		var cfg domain.WebhookConfig
		if err := ch.DecodeConfig(&cfg); err != nil {
			return nil, err
		}
		return NewWebhookSender(cfg, client), nil
	})
	r.Register(domain.ChannelSlack, func(ch *domain.NotificationChannel) (Sender, error) {
		var cfg domain.SlackConfig
		if err := ch.DecodeConfig(&cfg); err != nil {
			return nil, err
		}
		return NewSlackSender(cfg, client), nil
	})
	return r
}

// Register adds or replaces the factory for t.
func (r *Registry) Register(t domain.ChannelType, f Factory) {
	r.factories[t] = f
}

// Build returns the sender for ch.
func (r *Registry) Build(ch *domain.NotificationChannel) (Sender, error) {
	f, ok := r.factories[ch.Type]
	if !ok {
		return nil, fmt.Errorf("no sender for channel type %q", ch.Type)
	}
	return f(ch)
}

func title(n domain.Notification) string {
	switch n.Kind {
	case domain.NotifyResolved:
		return fmt.Sprintf("[RESOLVED] %s", n.RuleName)
	case domain.NotifyTest:
		return "[TEST] agent-monitor notification channel test"
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Alert.Severity)), n.RuleName)
}

// body is the plain-text rendering shared by email and logs.
func body(n domain.Notification) string {
	if n.Kind == domain.NotifyTest {
		return "This is a test notification. The channel is configured correctly.\n"
	}
	a := n.Alert
	var b strings.Builder
	fmt.Fprintf(&b, "Rule: %s\n", n.RuleName)
	fmt.Fprintf(&b, "Status: %s\n", a.Status)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "Metric: %s %s %g\n", n.MetricName, n.Operator, a.Threshold)
	fmt.Fprintf(&b, "Value: %g\n", a.CurrentValue)
	if a.EntityKey != "" {
		fmt.Fprintf(&b, "Entity: %s\n", a.EntityKey)
	}
	fmt.Fprintf(&b, "Started: %s\n", a.CreatedAt.Format(time.RFC3339))
	if a.ResolvedAt != nil {
		fmt.Fprintf(&b, "Resolved: %s (after %s)\n", a.ResolvedAt.Format(time.RFC3339), a.ResolvedAt.Sub(a.CreatedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Alert ID: %s\n", a.ID)
	if a.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Message)
	}
	return b.String()
}
