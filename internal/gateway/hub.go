// Package gateway streams refresh run reports to WebSocket clients and
// serves the recent run history over REST.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope kinds.
const (
	KindRunReport = "run_report"
	KindAlert     = "alert"
)

// Hub manages WebSocket clients and fans envelopes out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	replay *ReplayBuffer

	// OnClients observes the client count after every change.
	OnClients func(n int)
}

// NewHub creates a hub keeping the last history envelopes for catch-up.
func NewHub(history int) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(history),
	}
}

// Publish marshals v and broadcasts it under kind.
func (h *Hub) Publish(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s: %w", kind, err)
	}
	h.broadcast(kind, data)
	return nil
}

// broadcast wraps pre-encoded data in an envelope with a hub-wide seq and
// sends it to every client. Slow clients drop messages rather than block.
func (h *Hub) broadcast(kind string, data []byte) {
	now := time.Now().UTC()

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	// Hand-craft envelope JSON around the already encoded payload.
	buf := make([]byte, 0, len(kind)+len(data)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, kind...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')

	h.replay.Push(seq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- buf:
		default:
		}
	}
}

// HandleWSRequest registers an upgraded connection. Envelopes newer than
// lastSeq still held in the replay buffer are sent first.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastSeq int64) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.notify(count)

	slog.Info("[gateway] ws client connected", "clients", count)

	client.replaySince(lastSeq)
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()
	h.notify(count)
}

func (h *Hub) notify(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Recent returns up to n newest envelopes, oldest first.
func (h *Hub) Recent(n int) []json.RawMessage {
	entries := h.replay.Last(n)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}
