// Package watermark persists refresh cursors as plain key/value rows in the
// table store (bar_refresh_state, ema_refresh_state).
package watermark

import (
	"context"
	"fmt"

	"tfbars/internal/model"
	"tfbars/internal/store"
)

// TableStore implements model.WatermarkStore over a model.TableStore.
type TableStore struct {
	ts model.TableStore
}

// New wraps a table store.
func New(ts model.TableStore) *TableStore {
	return &TableStore{ts: ts}
}

func (w *TableStore) get(ctx context.Context, table string, eq map[string]any) (model.RefreshWatermark, error) {
	var (
		wm    model.RefreshWatermark
		found bool
	)
	err := w.ts.Scan(ctx, table, model.Range{Eq: eq, Limit: 1}, func(r model.Row) error {
		wm = model.WatermarkFromRow(r)
		found = true
		return nil
	})
	if err != nil {
		return model.RefreshWatermark{}, fmt.Errorf("watermark get: %w", err)
	}
	if !found {
		return model.RefreshWatermark{}, model.ErrNotFound
	}
	return wm, nil
}

func (w *TableStore) GetBar(ctx context.Context, asset, tf string) (model.RefreshWatermark, error) {
	return w.get(ctx, store.BarState, map[string]any{"id": asset, "tf": tf})
}

func (w *TableStore) PutBar(ctx context.Context, wm model.RefreshWatermark) error {
	_, err := w.ts.Upsert(ctx, store.BarState, []model.Row{wm.ToRow(false)}, []string{"id", "tf"})
	if err != nil {
		return fmt.Errorf("watermark put: %w", err)
	}
	return nil
}

func (w *TableStore) DeleteBar(ctx context.Context, asset, tf string) error {
	_, err := w.ts.Delete(ctx, store.BarState, model.Range{Eq: map[string]any{"id": asset, "tf": tf}})
	return err
}

func (w *TableStore) GetEma(ctx context.Context, asset, tf string, period int) (model.RefreshWatermark, error) {
	return w.get(ctx, store.EmaState, map[string]any{"id": asset, "tf": tf, "period": int64(period)})
}

func (w *TableStore) PutEma(ctx context.Context, wm model.RefreshWatermark) error {
	_, err := w.ts.Upsert(ctx, store.EmaState, []model.Row{wm.ToRow(true)}, []string{"id", "tf", "period"})
	if err != nil {
		return fmt.Errorf("watermark put: %w", err)
	}
	return nil
}

func (w *TableStore) DeleteEma(ctx context.Context, asset, tf string, period int) error {
	_, err := w.ts.Delete(ctx, store.EmaState, model.Range{Eq: map[string]any{"id": asset, "tf": tf, "period": int64(period)}})
	return err
}

// ListBar returns every bar watermark of an asset ("" for all assets).
func (w *TableStore) ListBar(ctx context.Context, asset string) ([]model.RefreshWatermark, error) {
	return w.list(ctx, store.BarState, asset)
}

// ListEma returns every EMA watermark of an asset ("" for all assets).
func (w *TableStore) ListEma(ctx context.Context, asset string) ([]model.RefreshWatermark, error) {
	return w.list(ctx, store.EmaState, asset)
}

func (w *TableStore) list(ctx context.Context, table, asset string) ([]model.RefreshWatermark, error) {
	var r model.Range
	if asset != "" {
		r.Eq = map[string]any{"id": asset}
	}
	var out []model.RefreshWatermark
	err := w.ts.Scan(ctx, table, r, func(row model.Row) error {
		out = append(out, model.WatermarkFromRow(row))
		return nil
	})
	return out, err
}
