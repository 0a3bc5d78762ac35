package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ultrashort/internal/model"
)

// Webhook event names.
const (
	EventSignal = "signal"
	EventAlert  = "alert"
)

// WebhookNotifier POSTs alerts as JSON. Signal deliveries carry the signal
// id in Idempotency-Key so a receiver can discard repeats.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookEvent struct {
	Event   string        `json:"event"`
	Level   AlertLevel    `json:"level"`
	Title   string        `json:"title"`
	Message string        `json:"message,omitempty"`
	Signal  *model.Signal `json:"signal,omitempty"`
	SentAt  string        `json:"sent_at"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	ev := webhookEvent{
		Event:   EventAlert,
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Signal:  alert.Signal,
		SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if alert.Signal != nil {
		ev.Event = EventSignal
		// the structured record replaces the human text
		ev.Message = ""
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ultrashort-signalengine")
	if alert.Signal != nil {
		req.Header.Set("Idempotency-Key", alert.Signal.ID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", ev.Event, resp.StatusCode)
	}

	slog.Debug("webhook delivered", "event", ev.Event, "title", alert.Title)
	return nil
}
