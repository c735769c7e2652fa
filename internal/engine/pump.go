package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tfbars/internal/gateway"
	"tfbars/internal/metrics"
	"tfbars/internal/notification"
	"tfbars/internal/refresh"
	"tfbars/internal/ringbuf"
)

// Sink receives every drained run report.
type Sink func(ctx context.Context, r RunReport) error

// Pump drains ring every interval and hands each report to the sinks until
// ctx is done. It must be the ring's only consumer.
func Pump(ctx context.Context, ring *ringbuf.Ring[RunReport], interval time.Duration, sinks ...Sink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drain(context.WithoutCancel(ctx), ring, sinks)
			return
		case <-ticker.C:
			drain(ctx, ring, sinks)
		}
	}
}

func drain(ctx context.Context, ring *ringbuf.Ring[RunReport], sinks []Sink) {
	for {
		r, ok := ring.Pop()
		if !ok {
			return
		}
		for _, sink := range sinks {
			if err := sink(ctx, r); err != nil {
				slog.Warn("[engine] report sink failed", "run_id", r.RunID, "error", err)
			}
		}
	}
}

// HubSink streams reports to local WebSocket clients.
func HubSink(hub *gateway.Hub) Sink {
	return func(_ context.Context, r RunReport) error {
		return hub.Publish(gateway.KindRunReport, r)
	}
}

// RelaySink publishes reports on the Redis channel for other gateways.
func RelaySink(relay *gateway.Relay) Sink {
	return func(ctx context.Context, r RunReport) error {
		return relay.Publish(ctx, gateway.KindRunReport, r)
	}
}

// HealthSink records the last run on the health endpoint.
func HealthSink(h *metrics.HealthStatus) Sink {
	return func(_ context.Context, r RunReport) error {
		h.SetLastRun(r.RunID, r.FinishedAt, len(r.Failures()))
		return nil
	}
}

// AlertSink sends one alert per failed unit and one for a failed sync.
func AlertSink(n notification.Notifier) Sink {
	return func(ctx context.Context, r RunReport) error {
		var firstErr error
		send := func(a notification.Alert) {
			if err := n.Send(ctx, a); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, u := range r.Failures() {
			send(notification.Alert{
				Level:   alertLevel(u),
				Title:   fmt.Sprintf("%s refresh failed", u.Stage),
				Message: u.Error,
				Fields: map[string]string{
					"run_id": r.RunID,
					"key":    u.Key.String(),
					"kind":   string(u.Kind),
				},
			})
		}
		if r.SyncError != "" {
			send(notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "unified sync failed",
				Message: r.SyncError,
				Fields:  map[string]string{"run_id": r.RunID},
			})
		}
		return firstErr
	}
}

func alertLevel(u UnitReport) notification.AlertLevel {
	if u.Kind == refresh.KindInputContract {
		return notification.AlertCritical
	}
	return notification.AlertWarning
}
