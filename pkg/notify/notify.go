// Package notify supplies notify.Transport implementations for
// escalation.NotificationSink (spec.md §1 Non-goals: "notification
// fan-out ... consumes a structured delivery record produced by the
// core" — the core only needs to emit that record through a narrow
// interface, not own delivery). WebhookTransport is the one concrete
// adapter this repo ships, grounded on the teacher's outbound-HTTP
// idiom (bounded timeout client, structured slog on failure) rather
// than a bespoke retry stack of its own.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/intentgov/core/pkg/escalation"
)

// LogTransport records every notification to the structured logger
// instead of delivering it anywhere — the default when no webhook URL
// is configured, mirroring escalation.NoopNotifier but with an audit
// trail in the process log instead of silent discard.
type LogTransport struct {
	Log *slog.Logger
}

func (t LogTransport) Notify(_ context.Context, n escalation.Notification) error {
	log := t.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("escalation notification",
		"escalation_id", n.EscalationID, "tenant_id", n.TenantID,
		"channel", n.Channel, "recipient", n.Recipient, "sent_at", n.SentAt)
	return nil
}

// WebhookTransport POSTs each notification as JSON to a fixed webhook
// URL (e.g. a Slack incoming webhook or an internal paging gateway).
// Delivery failures are returned to the caller but, per
// escalation.NotificationSink's contract, never roll back the
// escalation transaction that produced them.
type WebhookTransport struct {
	URL string
	hc  *http.Client
}

func NewWebhookTransport(url string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookTransport{URL: url, hc: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	EscalationID string    `json:"escalation_id"`
	TenantID     string    `json:"tenant_id"`
	Channel      string    `json:"channel"`
	Recipient    string    `json:"recipient"`
	SentAt       time.Time `json:"sent_at"`
}

func (t *WebhookTransport) Notify(ctx context.Context, n escalation.Notification) error {
	body, err := json.Marshal(webhookPayload{
		EscalationID: n.EscalationID, TenantID: n.TenantID,
		Channel: n.Channel, Recipient: n.Recipient, SentAt: n.SentAt,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.hc.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
