package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tfbars/internal/logger"
	"tfbars/internal/marketdata/tfbuilder"
	"tfbars/internal/model"
	"tfbars/internal/store"
)

const writeBatch = 500

// StoreBars implements BarLookup over the family bar tables.
type StoreBars struct {
	Store model.TableStore
}

func (s StoreBars) Snapshot(ctx context.Context, spec model.TimeframeSpec, asset string, seq int64, timeClose time.Time) (model.BarSnapshot, error) {
	return s.one(ctx, spec, model.Range{
		Eq:    map[string]any{"id": asset, "tf": spec.TF, "bar_seq": seq, "time_close": model.ToMillis(timeClose)},
		Limit: 1,
	})
}

func (s StoreBars) FirstSnapshot(ctx context.Context, spec model.TimeframeSpec, asset string, seq int64) (model.BarSnapshot, error) {
	return s.one(ctx, spec, model.Range{
		Eq:      map[string]any{"id": asset, "tf": spec.TF, "bar_seq": seq},
		OrderBy: []string{"time_close"},
		Limit:   1,
	})
}

func (s StoreBars) one(ctx context.Context, spec model.TimeframeSpec, r model.Range) (model.BarSnapshot, error) {
	var (
		out   model.BarSnapshot
		found bool
	)
	err := s.Store.Scan(ctx, store.BarTable(spec.Family), r, func(row model.Row) error {
		out = model.BarFromRow(row)
		found = true
		return nil
	})
	if err != nil {
		return model.BarSnapshot{}, err
	}
	if !found {
		return model.BarSnapshot{}, model.ErrNotFound
	}
	return out, nil
}

// ReadBars returns the snapshots of (asset, spec) with time_close > after
// (all when after is zero), ordered by time_close.
func ReadBars(ctx context.Context, ts model.TableStore, spec model.TimeframeSpec, asset string, after time.Time) ([]model.BarSnapshot, error) {
	r := model.Range{Eq: map[string]any{"id": asset, "tf": spec.TF}, OrderBy: []string{"time_close"}}
	if !after.IsZero() {
		r.Column = "time_close"
		r.Gt = model.ToMillis(after)
	}
	var out []model.BarSnapshot
	err := ts.Scan(ctx, store.BarTable(spec.Family), r, func(row model.Row) error {
		out = append(out, model.BarFromRow(row))
		return nil
	})
	return out, err
}

// UpsertRows writes rows in batches.
func UpsertRows(ctx context.Context, ts model.TableStore, table string, rows []model.Row, keys []string) (int64, error) {
	var n int64
	for start := 0; start < len(rows); start += writeBatch {
		end := min(start+writeBatch, len(rows))
		w, err := ts.Upsert(ctx, table, rows[start:end], keys)
		if err != nil {
			return n, err
		}
		n += w
	}
	return n, nil
}

// BarResult summarizes one executed bar unit.
type BarResult struct {
	Key         Key                    `json:"key"`
	Plan        Plan                   `json:"plan"`
	RowsWritten int64                  `json:"rows_written"`
	RowsDeleted int64                  `json:"rows_deleted"`
	Watermark   model.RefreshWatermark `json:"watermark"`
}

// BarUnit plans and executes the bar refresh of one (asset, timeframe).
type BarUnit struct {
	Source     model.SourceSeries
	Store      model.TableStore
	Watermarks model.WatermarkStore
	Now        func() time.Time
}

func (u *BarUnit) now() time.Time {
	if u.Now != nil {
		return u.Now().UTC()
	}
	return time.Now().UTC()
}

// Run refreshes one unit. Output rows are committed before the watermark.
func (u *BarUnit) Run(ctx context.Context, asset string, spec model.TimeframeSpec) (BarResult, error) {
	key := Key{Asset: asset, TF: spec.TF}
	res := BarResult{Key: key}

	rng, hasData, err := u.Source.MinMax(ctx, asset)
	if err != nil {
		return res, Fail(key, err)
	}
	wm, err := u.Watermarks.GetBar(ctx, asset, spec.TF)
	hasWM := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return res, Fail(key, err)
	}

	planner := Planner{Bars: StoreBars{Store: u.Store}}
	plan, err := planner.Plan(ctx, Input{
		Asset: asset, Spec: spec, Observed: rng, HasData: hasData, Watermark: wm, HasWatermark: hasWM,
	})
	if err != nil {
		return res, Fail(key, err)
	}
	res.Plan = plan
	res.Watermark = wm

	log := slog.With(append(logger.LogWithRun(ctx), "key", key.String())...)
	if plan.Action == ActionNoOp {
		log.Debug("[refresh] bars up to date", "reason", plan.Reason)
		return res, nil
	}

	days, err := u.Source.ReadRange(ctx, asset, plan.From, &rng.Max)
	if err != nil {
		return res, Fail(key, err)
	}
	snaps, err := tfbuilder.Build(days, spec, plan.Seed)
	if err != nil {
		return res, Fail(key, err)
	}

	table := store.BarTable(spec.Family)
	del := model.Range{Eq: map[string]any{"id": asset, "tf": spec.TF}}
	if !plan.DeleteAll {
		del.Column = "bar_seq"
		del.Gte = plan.DeleteFromSeq
	}
	if res.RowsDeleted, err = u.Store.Delete(ctx, table, del); err != nil {
		return res, Fail(key, err)
	}

	now := u.now()
	rows := make([]model.Row, len(snaps))
	for i := range snaps {
		snaps[i].IngestedAt = now
		rows[i] = snaps[i].ToRow()
	}
	if res.RowsWritten, err = UpsertRows(ctx, u.Store, table, rows, store.BarKey); err != nil {
		return res, Fail(key, err)
	}

	next := model.RefreshWatermark{
		Asset:         asset,
		TF:            spec.TF,
		DailyMinSeen:  rng.Min,
		DailyMaxSeen:  rng.Max,
		LastBarSeq:    -1,
		LastTimeClose: time.Time{},
		UpdatedAt:     now,
	}
	switch {
	case len(snaps) > 0:
		last := snaps[len(snaps)-1]
		next.LastBarSeq = last.BarSeq
		next.LastTimeClose = last.TimeClose
	case !plan.DeleteAll && hasWM:
		// Nothing new to emit yet; keep the previous cursor.
		next.LastBarSeq = wm.LastBarSeq
		next.LastTimeClose = wm.LastTimeClose
	}
	if err := u.Watermarks.PutBar(ctx, next); err != nil {
		return res, Fail(key, fmt.Errorf("bars committed, watermark not advanced: %w", err))
	}
	res.Watermark = next

	log.Info("[refresh] bars refreshed",
		"action", plan.Action, "reason", plan.Reason,
		"deleted", res.RowsDeleted, "written", res.RowsWritten,
		"last_bar_seq", next.LastBarSeq)
	return res, nil
}
