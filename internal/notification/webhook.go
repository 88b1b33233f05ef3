package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// webhookPayload is the wire form of an alert. Venue and symbol are omitted
// for process-level alerts (sidecar restart exhaustion, stream loss).
type webhookPayload struct {
	Service string `json:"service"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Venue   string `json:"venue,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	SentAt  int64  `json:"sent_at"`
}

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint, one request per
// alert. Delivery is best-effort; a failed POST is returned to the caller
// and never retried here.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Service: "footprint-ingest",
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		Venue:   alert.Venue,
		Symbol:  alert.Symbol,
		SentAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[webhook] delivered %s alert %q", alert.Level, alert.Title)
	return nil
}
