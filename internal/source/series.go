// Package source reads the upstream daily price series from the
// daily_prices table and loads it from parquet exports.
package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tfbars/internal/model"
	"tfbars/internal/store"
)

// Series implements model.SourceSeries over a model.TableStore.
type Series struct {
	ts model.TableStore
}

// New wraps a table store.
func New(ts model.TableStore) *Series {
	return &Series{ts: ts}
}

func (s *Series) ReadRange(ctx context.Context, asset string, from, to *time.Time) ([]model.DailyBar, error) {
	r := model.Range{Eq: map[string]any{"id": asset}, Column: "ts", OrderBy: []string{"ts"}}
	if from != nil {
		r.Gte = model.ToMillis(*from)
	}
	if to != nil {
		r.Lte = model.ToMillis(*to)
	}
	var out []model.DailyBar
	err := s.ts.Scan(ctx, store.DailyPrices, r, func(row model.Row) error {
		out = append(out, fromRow(row))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source read %s: %w", asset, err)
	}
	return out, nil
}

func (s *Series) MinMax(ctx context.Context, asset string) (model.DailyRange, bool, error) {
	var rng model.DailyRange
	found := false
	edge := func(desc bool, dst *time.Time) error {
		r := model.Range{Eq: map[string]any{"id": asset}, OrderBy: []string{"ts"}, Desc: desc, Limit: 1}
		return s.ts.Scan(ctx, store.DailyPrices, r, func(row model.Row) error {
			*dst = model.FromMillis(row.Int("ts"))
			found = true
			return nil
		})
	}
	if err := edge(false, &rng.Min); err != nil {
		return rng, false, fmt.Errorf("source min %s: %w", asset, err)
	}
	if !found {
		return rng, false, nil
	}
	if err := edge(true, &rng.Max); err != nil {
		return rng, false, fmt.Errorf("source max %s: %w", asset, err)
	}
	return rng, true, nil
}

func (s *Series) Assets(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	err := s.ts.Scan(ctx, store.DailyPrices, model.Range{}, func(row model.Row) error {
		seen[row.String("id")] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source assets: %w", err)
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// Write upserts daily rows keyed by (id, ts).
func (s *Series) Write(ctx context.Context, bars []model.DailyBar) (int64, error) {
	rows := make([]model.Row, len(bars))
	for i, b := range bars {
		rows[i] = toRow(b)
	}
	return s.ts.Upsert(ctx, store.DailyPrices, rows, []string{"id", "ts"})
}

func toRow(b model.DailyBar) model.Row {
	return model.Row{
		"id":        b.Asset,
		"ts":        model.ToMillis(b.TS),
		"time_open": model.ToMillis(b.TimeOpen),
		"time_high": model.ToMillis(b.TimeHigh),
		"time_low":  model.ToMillis(b.TimeLow),
		"open":      b.Open,
		"high":      b.High,
		"low":       b.Low,
		"close":     b.Close,
		"volume":    b.Volume,
	}
}

func fromRow(r model.Row) model.DailyBar {
	return model.DailyBar{
		Asset:    r.String("id"),
		TS:       model.FromMillis(r.Int("ts")),
		TimeOpen: model.FromMillis(r.Int("time_open")),
		TimeHigh: model.FromMillis(r.Int("time_high")),
		TimeLow:  model.FromMillis(r.Int("time_low")),
		Open:     r.Float("open"),
		High:     r.Float("high"),
		Low:      r.Float("low"),
		Close:    r.Float("close"),
		Volume:   r.Float("volume"),
	}
}
