package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookPayload is the JSON body sent to the webhook endpoint. The "text"
// field keeps the payload compatible with Slack/Discord/Teams incoming
// webhooks; structured data rides along in "payload" for custom receivers.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// WebhookNotifier posts events to a fixed URL. When a secret is configured
// the request body is signed with HMAC-SHA256 so the receiver can verify
// authenticity, following the GitHub/Stripe webhook convention.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier returns a Notifier posting to url. secret may be empty,
// which disables signing.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify serialises the event and POSTs it. Non-2xx responses count as
// delivery failures; the caller logs and moves on.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(webhookPayload{
		Type:  ev.Kind,
		Title: ev.Title(),
		Body:  ev.Body(),
		Payload: map[string]any{
			"job_name":           ev.JobName,
			"job_serial":         ev.JobSerial,
			"execution_serial":   ev.ExecutionSerial,
			"status":             ev.Status,
			"total_targets":      ev.TotalTargets,
			"successful_targets": ev.Successful,
			"failed_targets":     ev.Failed,
			"cancelled_targets":  ev.Cancelled,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("notification: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notification: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Drover-Webhook/1.0")

	if n.secret != "" {
		req.Header.Set("X-Drover-Signature", "sha256="+signBody(data, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// signBody computes the lowercase hex HMAC-SHA256 signature of data.
func signBody(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
