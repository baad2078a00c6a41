package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// WebhookPayload is the JSON body posted to generic webhooks.
type WebhookPayload struct {
	domain.Notification
	Title  string `json:"title"`
	Source string `json:"source"`
}

// WebhookSender posts notifications as JSON.
type WebhookSender struct {
	cfg    domain.WebhookConfig
	client *http.Client
}

func NewWebhookSender(cfg domain.WebhookConfig, client *http.Client) *WebhookSender {
	return &WebhookSender{cfg: cfg, client: client}
}

func (s *WebhookSender) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(WebhookPayload{Notification: n, Title: title(n), Source: "agent-monitor"})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return postJSON(ctx, s.client, s.cfg.URL, s.cfg.Headers, data)
}

// Ping checks that the endpoint answers. Any non-5xx response counts.
func (s *WebhookSender) Ping(ctx context.Context) error {
	return pingURL(ctx, s.client, s.cfg.URL)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func pingURL(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create ping request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("ping returned status %d", resp.StatusCode)
	}
	return nil
}
