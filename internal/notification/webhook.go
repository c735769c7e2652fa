package notification

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: newHTTPClient()}
}

type webhookPayload struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      time.Time         `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	err := postJSON(ctx, w.client, "webhook", w.url, webhookPayload{
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		TS:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	slog.Debug("[webhook] sent alert", "url", w.url, "title", alert.Title)
	return nil
}
