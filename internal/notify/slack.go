package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// SlackMessage represents a Slack incoming-webhook payload.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment.
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	cfg    domain.SlackConfig
	client *http.Client
}

func NewSlackSender(cfg domain.SlackConfig, client *http.Client) *SlackSender {
	if cfg.Username == "" {
		cfg.Username = "Agent Monitor"
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = ":warning:"
	}
	return &SlackSender{cfg: cfg, client: client}
}

func (s *SlackSender) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(s.message(n))
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}
	return postJSON(ctx, s.client, s.cfg.WebhookURL, nil, data)
}

func (s *SlackSender) Ping(ctx context.Context) error {
	return pingURL(ctx, s.client, s.cfg.WebhookURL)
}

func (s *SlackSender) message(n domain.Notification) SlackMessage {
	msg := SlackMessage{
		Channel:   s.cfg.Channel,
		Username:  s.cfg.Username,
		IconEmoji: s.cfg.IconEmoji,
	}
	a := n.Alert
	switch n.Kind {
	case domain.NotifyTest:
		msg.Text = "Test notification from agent-monitor"
		return msg
	case domain.NotifyResolved:
		msg.Text = fmt.Sprintf(":white_check_mark: *Alert Resolved*: %s", n.RuleName)
		msg.IconEmoji = ":white_check_mark:"
	default:
		msg.Text = fmt.Sprintf(":rotating_light: *Alert Fired*: %s", n.RuleName)
	}

	att := SlackAttachment{
		Color: severityColor(n),
		Title: n.RuleName,
		Text:  a.Message,
		Fields: []SlackField{
			{Title: "Severity", Value: string(a.Severity), Short: true},
			{Title: "Metric", Value: n.MetricName, Short: true},
			{Title: "Value", Value: fmt.Sprintf("%g", a.CurrentValue), Short: true},
			{Title: "Threshold", Value: fmt.Sprintf("%s %g", n.Operator, a.Threshold), Short: true},
		},
		Timestamp: a.UpdatedAt.Unix(),
	}
	if a.EntityKey != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Entity", Value: a.EntityKey, Short: false})
	}
	if a.ResolvedAt != nil {
		att.Fields = append(att.Fields, SlackField{Title: "Duration", Value: a.ResolvedAt.Sub(a.CreatedAt).String(), Short: true})
	}
	msg.Attachments = []SlackAttachment{att}
	return msg
}

func severityColor(n domain.Notification) string {
	if n.Kind == domain.NotifyResolved {
		return "good"
	}
	switch n.Alert.Severity {
	case domain.SeverityCritical:
		return "danger"
	case domain.SeverityHigh:
		return "warning"
	case domain.SeverityMedium:
		return "#ff9900"
	default:
		return "#36a64f"
	}
}
