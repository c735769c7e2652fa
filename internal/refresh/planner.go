// Package refresh decides how each (asset, timeframe) bar series catches up
// with the daily source and executes that decision.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tfbars/internal/marketdata/tfbuilder"
	"tfbars/internal/model"
)

// Action is the refresh decision for one unit.
type Action string

const (
	ActionFullRebuild     Action = "full_rebuild"
	ActionBackfillRebuild Action = "backfill_rebuild"
	ActionForwardAppend   Action = "forward_append"
	ActionNoOp            Action = "noop"
)

// Rebuilds reports whether the action replaces every row of the unit.
func (a Action) Rebuilds() bool {
	return a == ActionFullRebuild || a == ActionBackfillRebuild
}

// Input is everything a planning decision depends on, passed by value.
type Input struct {
	Asset        string
	Spec         model.TimeframeSpec
	Observed     model.DailyRange
	HasData      bool
	Watermark    model.RefreshWatermark
	HasWatermark bool
}

// Plan is the decision and the input slice to feed the builder.
type Plan struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`

	// From is the inclusive lower bound of the input slice; nil reads the
	// entire series.
	From *time.Time `json:"from,omitempty"`

	// DeleteAll clears every bar row of the unit before writing; otherwise
	// rows with bar_seq >= DeleteFromSeq are cleared.
	DeleteAll     bool  `json:"delete_all,omitempty"`
	DeleteFromSeq int64 `json:"delete_from_seq"`

	Seed tfbuilder.Seed `json:"-"`
}

// BarLookup reads stored bar snapshots. Both methods return
// model.ErrNotFound when no row matches.
type BarLookup interface {
	Snapshot(ctx context.Context, spec model.TimeframeSpec, asset string, seq int64, timeClose time.Time) (model.BarSnapshot, error)
	FirstSnapshot(ctx context.Context, spec model.TimeframeSpec, asset string, seq int64) (model.BarSnapshot, error)
}

// Planner decides the refresh action of a bar unit.
type Planner struct {
	Bars BarLookup
}

// Plan returns the action for in. It performs reads only.
func (p Planner) Plan(ctx context.Context, in Input) (Plan, error) {
	wm := in.Watermark
	switch {
	case !in.HasData:
		return Plan{Action: ActionNoOp, Reason: "empty source"}, nil

	case !in.HasWatermark:
		return Plan{Action: ActionFullRebuild, DeleteAll: true}, nil

	case in.Observed.Min.Before(wm.DailyMinSeen):
		return Plan{Action: ActionBackfillRebuild, Reason: "earlier daily data", DeleteAll: true}, nil

	case in.Observed.Max.After(wm.DailyMaxSeen):
		return p.planAppend(ctx, in)

	case in.Observed.Max.Before(wm.DailyMaxSeen):
		return Plan{Action: ActionNoOp, Reason: "source shrank below watermark"}, nil
	}
	return p.planUnchanged(ctx, in)
}

// planUnchanged confirms the watermark's last bar row still exists before
// declaring the unit up to date.
func (p Planner) planUnchanged(ctx context.Context, in Input) (Plan, error) {
	wm := in.Watermark
	if !wm.HasBars() {
		return Plan{Action: ActionNoOp}, nil
	}
	_, err := p.Bars.Snapshot(ctx, in.Spec, in.Asset, wm.LastBarSeq, wm.LastTimeClose)
	if errors.Is(err, model.ErrNotFound) {
		return Plan{Action: ActionBackfillRebuild, Reason: string(KindWatermarkInconsistency), DeleteAll: true}, nil
	}
	if err != nil {
		return Plan{}, fmt.Errorf("plan lookup: %w", err)
	}
	return Plan{Action: ActionNoOp}, nil
}

func (p Planner) planAppend(ctx context.Context, in Input) (Plan, error) {
	wm := in.Watermark
	if !wm.HasBars() {
		// Nothing emitted yet (e.g. no full calendar window so far).
		return Plan{Action: ActionFullRebuild, Reason: "no bars emitted yet", DeleteAll: true}, nil
	}

	last, err := p.Bars.Snapshot(ctx, in.Spec, in.Asset, wm.LastBarSeq, wm.LastTimeClose)
	if errors.Is(err, model.ErrNotFound) {
		return Plan{Action: ActionBackfillRebuild, Reason: string(KindWatermarkInconsistency), DeleteAll: true}, nil
	}
	if err != nil {
		return Plan{}, fmt.Errorf("plan lookup: %w", err)
	}

	// Anchored bars are always re-derived; others only when still forming.
	if last.IsPartialEnd || in.Spec.Family == model.FamilyCalendarAnchored {
		first, err := p.Bars.FirstSnapshot(ctx, in.Spec, in.Asset, wm.LastBarSeq)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return Plan{Action: ActionBackfillRebuild, Reason: string(KindWatermarkInconsistency), DeleteAll: true}, nil
			}
			return Plan{}, fmt.Errorf("plan lookup: %w", err)
		}
		from := first.TimeClose
		seed := tfbuilder.Seed{StartSeq: wm.LastBarSeq, Resume: true}
		if wm.LastBarSeq > 0 {
			seed.PrevClose = first.TimeOpen.Add(-time.Millisecond)
		}
		return Plan{
			Action:        ActionForwardAppend,
			Reason:        string(KindPartialWindowCorrection),
			From:          &from,
			DeleteFromSeq: wm.LastBarSeq,
			Seed:          seed,
		}, nil
	}

	from := wm.LastTimeClose.Add(time.Millisecond)
	return Plan{
		Action:        ActionForwardAppend,
		From:          &from,
		DeleteFromSeq: wm.LastBarSeq + 1,
		Seed:          tfbuilder.Seed{StartSeq: wm.LastBarSeq + 1, PrevClose: wm.LastTimeClose, Resume: true},
	}, nil
}
