// Package notification delivers refresh alerts to external channels
// (Telegram, webhooks) or the log.
package notification

import (
	"context"
	"errors"
	"log/slog"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	attrs := []any{"level", alert.Level, "title", alert.Title}
	for k, v := range alert.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Warn("[notify] "+alert.Message, attrs...)
	return nil
}

// Multi sends every alert to all of its notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config selects the notification channels. Empty values disable a channel.
type Config struct {
	WebhookURL    string
	TelegramToken string
	TelegramChat  string
}

// New builds the configured notifiers. The log notifier is always present.
func New(cfg Config) Notifier {
	m := Multi{NewLogNotifier()}
	if cfg.WebhookURL != "" {
		m = append(m, NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChat != "" {
		m = append(m, NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChat))
	}
	return m
}
