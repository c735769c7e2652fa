package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"
)

// DefaultChannel carries envelopes between refresh processes and gateways.
const DefaultChannel = "barengine:events"

type relayMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Relay forwards envelopes over Redis PubSub so a gateway can stream the
// reports of refresh runs executed by other processes.
type Relay struct {
	rdb     *goredis.Client
	channel string
}

// NewRelay creates a relay on channel (DefaultChannel when empty).
func NewRelay(rdb *goredis.Client, channel string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{rdb: rdb, channel: channel}
}

// Publish sends v under kind to every subscribed gateway.
func (r *Relay) Publish(ctx context.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %w", kind, err)
	}
	msg, err := json.Marshal(relayMessage{Type: kind, Data: data})
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Run subscribes and routes messages to hub. Blocks until ctx is cancelled.
// ready, when non-nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, hub *Hub, ready chan<- struct{}) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	slog.Info("[gateway] subscribed to relay channel", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil || m.Type == "" {
				slog.Warn("[gateway] dropping malformed relay message", "channel", msg.Channel)
				continue
			}
			hub.broadcast(m.Type, m.Data)
		}
	}
}
