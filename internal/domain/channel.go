package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType selects the transport of a notification channel.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
)

// ChannelHealth is ok until a delivery exhausts its retries.
type ChannelHealth string

const (
	HealthOK       ChannelHealth = "ok"
	HealthDegraded ChannelHealth = "degraded"
)

// NotificationChannel is a configured delivery target.
type NotificationChannel struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Type         ChannelType     `json:"type"`
	Config       json.RawMessage `json:"config"`
	Enabled      bool            `json:"enabled"`
	SendResolved bool            `json:"send_resolved"`
	Health       ChannelHealth   `json:"health"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EmailConfig configures an SMTP channel.
type EmailConfig struct {
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

// WebhookConfig configures a generic HTTP webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SlackConfig configures a Slack incoming-webhook channel.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
	IconEmoji  string `json:"icon_emoji,omitempty"`
}

// Validate checks the channel and its type-specific config.
func (c NotificationChannel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	switch c.Type {
	case ChannelEmail:
		var cfg EmailConfig
		if err := decodeConfig(c.Config, &cfg); err != nil {
			return err
		}
		if cfg.SMTPHost == "" || cfg.SMTPPort <= 0 {
			return &ValidationError{Field: "config", Reason: "smtp_host and smtp_port are required"}
		}
		if cfg.From == "" || len(cfg.To) == 0 {
			return &ValidationError{Field: "config", Reason: "from and at least one recipient are required"}
		}
	case ChannelWebhook:
		var cfg WebhookConfig
		if err := decodeConfig(c.Config, &cfg); err != nil {
			return err
		}
		if err := validateURL(cfg.URL, "url"); err != nil {
			return err
		}
	case ChannelSlack:
		var cfg SlackConfig
		if err := decodeConfig(c.Config, &cfg); err != nil {
			return err
		}
		if err := validateURL(cfg.WebhookURL, "webhook_url"); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown channel type %q", c.Type)}
	}
	return nil
}

// DecodeConfig unmarshals the type-specific config into dst.
func (c NotificationChannel) DecodeConfig(dst any) error {
	return decodeConfig(c.Config, dst)
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return &ValidationError{Field: "config", Reason: "is required"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Field: "config", Reason: err.Error()}
	}
	return nil
}

func validateURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "config." + field, Reason: "must be an absolute http(s) URL"}
	}
	return nil
}
