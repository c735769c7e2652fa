package indicator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tfbars/internal/logger"
	"tfbars/internal/model"
	"tfbars/internal/refresh"
	"tfbars/internal/store"
)

// Plan is the EMA refresh decision for one (asset, tf, period).
type Plan struct {
	Action refresh.Action `json:"action"`
	Reason string         `json:"reason,omitempty"`

	// Anchor is the stored canonical point the recursion resumes from on an
	// append. Nil on rebuilds.
	Anchor *model.EmaPoint `json:"-"`
}

// PlanEma decides how the EMA key catches up with its bar series. The
// watermarks are passed by value; force is set when the bar series was
// rebuilt in the same run.
func PlanEma(bar model.RefreshWatermark, hasBar bool, ema model.RefreshWatermark, hasEma bool, force bool) Plan {
	switch {
	case !hasBar:
		return Plan{Action: refresh.ActionNoOp, Reason: "bars not built"}
	case !hasEma && !bar.HasBars():
		return Plan{Action: refresh.ActionNoOp, Reason: "no bars emitted yet"}
	case !hasEma:
		return Plan{Action: refresh.ActionFullRebuild}
	case force:
		return Plan{Action: refresh.ActionBackfillRebuild, Reason: "bar series rebuilt"}
	case !bar.DailyMinSeen.Equal(ema.DailyMinSeen):
		return Plan{Action: refresh.ActionBackfillRebuild, Reason: "earlier daily data"}
	case bar.LastBarSeq < ema.LastBarSeq || bar.LastTimeClose.Before(ema.LastTimeClose):
		return Plan{Action: refresh.ActionBackfillRebuild, Reason: string(refresh.KindWatermarkInconsistency)}
	case bar.LastBarSeq == ema.LastBarSeq && bar.LastTimeClose.Equal(ema.LastTimeClose):
		return Plan{Action: refresh.ActionNoOp}
	}
	return Plan{Action: refresh.ActionForwardAppend}
}

// Result summarizes one executed EMA unit.
type Result struct {
	Key         refresh.Key            `json:"key"`
	Plan        Plan                   `json:"plan"`
	RowsWritten int64                  `json:"rows_written"`
	RowsDeleted int64                  `json:"rows_deleted"`
	Watermark   model.RefreshWatermark `json:"watermark"`
}

// Unit refreshes the EMA points of one (asset, tf, period) from the
// committed bar snapshots.
type Unit struct {
	Store      model.TableStore
	Watermarks model.WatermarkStore
	Now        func() time.Time
}

func (u *Unit) now() time.Time {
	if u.Now != nil {
		return u.Now().UTC()
	}
	return time.Now().UTC()
}

// Run refreshes one key. force requests a rebuild regardless of watermarks.
func (u *Unit) Run(ctx context.Context, asset string, spec model.TimeframeSpec, period int, force bool) (Result, error) {
	key := refresh.Key{Asset: asset, TF: spec.TF, Period: period}
	res := Result{Key: key}

	barWM, err := u.Watermarks.GetBar(ctx, asset, spec.TF)
	hasBar := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return res, refresh.Fail(key, err)
	}
	emaWM, err := u.Watermarks.GetEma(ctx, asset, spec.TF, period)
	hasEma := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return res, refresh.Fail(key, err)
	}
	res.Watermark = emaWM

	plan := PlanEma(barWM, hasBar, emaWM, hasEma, force)
	if plan.Action == refresh.ActionForwardAppend {
		anchor, err := u.anchor(ctx, spec, key, emaWM.LastBarSeq)
		switch {
		case errors.Is(err, model.ErrNotFound):
			plan = Plan{Action: refresh.ActionFullRebuild, Reason: "no canonical anchor"}
		case err != nil:
			return res, refresh.Fail(key, err)
		default:
			plan.Anchor = &anchor
		}
	}
	res.Plan = plan

	log := slog.With(append(logger.LogWithRun(ctx), "key", key.String())...)
	if plan.Action == refresh.ActionNoOp {
		log.Debug("[ema] up to date", "reason", plan.Reason)
		return res, nil
	}

	table := store.EmaTable(spec.Family)
	del := model.Range{Eq: map[string]any{"id": asset, "tf": spec.TF, "period": int64(period)}}
	var (
		after   time.Time
		tracker = NewTracker(period)
	)
	if plan.Anchor != nil {
		after = plan.Anchor.TS
		del.Column = "ts"
		del.Gt = model.ToMillis(after)
		tracker, _ = Resume(*plan.Anchor)
	}

	snaps, err := refresh.ReadBars(ctx, u.Store, spec, asset, after)
	if err != nil {
		return res, refresh.Fail(key, err)
	}
	if res.RowsDeleted, err = u.Store.Delete(ctx, table, del); err != nil {
		return res, refresh.Fail(key, err)
	}

	now := u.now()
	rows := make([]model.Row, len(snaps))
	for i, s := range snaps {
		p := tracker.Next(s)
		p.IngestedAt = now
		rows[i] = p.ToRow()
	}
	if res.RowsWritten, err = refresh.UpsertRows(ctx, u.Store, table, rows, store.EmaKey); err != nil {
		return res, refresh.Fail(key, err)
	}

	next := model.RefreshWatermark{
		Asset:         asset,
		TF:            spec.TF,
		Period:        period,
		DailyMinSeen:  barWM.DailyMinSeen,
		DailyMaxSeen:  barWM.DailyMaxSeen,
		LastBarSeq:    barWM.LastBarSeq,
		LastTimeClose: barWM.LastTimeClose,
		UpdatedAt:     now,
	}
	if err := u.Watermarks.PutEma(ctx, next); err != nil {
		return res, refresh.Fail(key, err)
	}
	res.Watermark = next

	log.Info("[ema] refreshed",
		"action", plan.Action, "reason", plan.Reason,
		"deleted", res.RowsDeleted, "written", res.RowsWritten)
	return res, nil
}

// anchor returns the last canonical point strictly before the bar that was
// last seen, which no bar append can rewrite.
func (u *Unit) anchor(ctx context.Context, spec model.TimeframeSpec, key refresh.Key, lastSeq int64) (model.EmaPoint, error) {
	var (
		out   model.EmaPoint
		found bool
	)
	err := u.Store.Scan(ctx, store.EmaTable(spec.Family), model.Range{
		Eq:      map[string]any{"id": key.Asset, "tf": key.TF, "period": int64(key.Period), "roll": false},
		Column:  "bar_seq",
		Lt:      lastSeq,
		OrderBy: []string{"ts"},
		Desc:    true,
		Limit:   1,
	}, func(row model.Row) error {
		out = model.EmaFromRow(row)
		found = true
		return nil
	})
	if err != nil {
		return out, err
	}
	if !found {
		return out, model.ErrNotFound
	}
	if _, ok := Resume(out); !ok {
		return out, model.ErrNotFound
	}
	return out, nil
}
