package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tfbars/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// WatermarkLister lists the stored cursors of an asset.
type WatermarkLister interface {
	ListBar(ctx context.Context, asset string) ([]model.RefreshWatermark, error)
	ListEma(ctx context.Context, asset string) ([]model.RefreshWatermark, error)
}

// Routes returns the gateway routes. wms may be nil when the watermark
// backend cannot enumerate keys.
func Routes(hub *Hub, wms WatermarkLister) func(r chi.Router) {
	return func(r chi.Router) {
		// WebSocket endpoint; ?last_seq=N replays newer buffered envelopes.
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			lastSeq := int64(-1)
			if v := r.URL.Query().Get("last_seq"); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					lastSeq = n
				}
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				slog.Warn("[gateway] ws upgrade error", "error", err)
				return
			}
			hub.HandleWSRequest(conn, lastSeq)
		})

		r.Route("/api", func(r chi.Router) {
			// Recent envelopes, oldest first.
			r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
				limit := 20
				if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
					limit = v
				}
				writeJSON(w, http.StatusOK, hub.Recent(limit))
			})

			r.Get("/runs/latest", func(w http.ResponseWriter, r *http.Request) {
				recent := hub.Recent(1)
				if len(recent) == 0 {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs yet"})
					return
				}
				writeJSON(w, http.StatusOK, recent[0])
			})

			r.Get("/watermarks/{asset}", func(w http.ResponseWriter, r *http.Request) {
				if wms == nil {
					writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "watermark backend cannot list keys"})
					return
				}
				asset := chi.URLParam(r, "asset")
				bars, err := wms.ListBar(r.Context(), asset)
				if err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
					return
				}
				emas, err := wms.ListEma(r.Context(), asset)
				if err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "bars": bars, "ema": emas})
			})
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
