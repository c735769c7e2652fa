// Package tfbuilder turns an ordered slice of daily rows into append-only bar
// snapshots. Each daily close inside a bar's window emits one snapshot; the
// snapshot on the bar's scheduled last day (or the last observed day once a
// later day proves the window has elapsed) is the canonical close.
//
// Three strategies share one contract and are selected by alignment family
// through an explicit dispatch table.
package tfbuilder

import (
	"errors"
	"fmt"
	"time"

	"tfbars/internal/model"
)

// ErrNonMonotonic is returned when daily rows are duplicated or out of order.
var ErrNonMonotonic = errors.New("tfbuilder: daily rows not strictly increasing")

// Seed positions a build inside an existing bar sequence.
type Seed struct {
	// StartSeq is the bar_seq of the first bar emitted.
	StartSeq int64
	// PrevClose is the final time_close of bar StartSeq-1. Zero when the
	// slice starts the series.
	PrevClose time.Time
	// Resume marks a slice that starts at a previously emitted bar or right
	// after one, so no leading days are dropped.
	Resume bool
}

func (s Seed) fresh() bool { return !s.Resume && s.StartSeq == 0 && s.PrevClose.IsZero() }

// Builder is the shared contract of every bar strategy.
type Builder interface {
	Build(days []model.DailyBar, spec model.TimeframeSpec, seed Seed) ([]model.BarSnapshot, error)
}

var builders = map[model.Family]Builder{
	model.FamilyRowCount:         rowCount{},
	model.FamilyCalendar:         calendar{anchored: false},
	model.FamilyCalendarAnchored: calendar{anchored: true},
}

// For returns the strategy for an alignment family.
func For(f model.Family) (Builder, error) {
	b, ok := builders[f]
	if !ok {
		return nil, fmt.Errorf("tfbuilder: no builder for family %q", f)
	}
	return b, nil
}

// Build dispatches to the strategy of spec.Family.
func Build(days []model.DailyBar, spec model.TimeframeSpec, seed Seed) ([]model.BarSnapshot, error) {
	b, err := For(spec.Family)
	if err != nil {
		return nil, err
	}
	return b.Build(days, spec, seed)
}

// CheckMonotonic verifies one row per day, strictly increasing, one asset.
func CheckMonotonic(days []model.DailyBar) error {
	for i := 1; i < len(days); i++ {
		if days[i].Asset != days[0].Asset {
			return fmt.Errorf("%w: mixed assets %s and %s", ErrNonMonotonic, days[0].Asset, days[i].Asset)
		}
		prev, cur := days[i-1].Day(), days[i].Day()
		if cur <= prev {
			return fmt.Errorf("%w: %s day %s follows %s", ErrNonMonotonic,
				days[i].Asset, dayString(cur), dayString(prev))
		}
	}
	return nil
}

func dayString(day int64) string { return model.DayTime(day).Format("2006-01-02") }

// accumulator holds the forming bar and applies the shared aggregation rule.
type accumulator struct {
	spec    model.TimeframeSpec
	seq     int64
	open    bool
	nextTO  time.Time // time_open of the next bar; zero means take it from the day
	prevDay int64     // last day emitted into any bar
	hasPrev bool
	cur     model.BarSnapshot
	out     []model.BarSnapshot
}

func newAccumulator(spec model.TimeframeSpec, seed Seed, capHint int) *accumulator {
	a := &accumulator{spec: spec, seq: seed.StartSeq, out: make([]model.BarSnapshot, 0, capHint)}
	if !seed.PrevClose.IsZero() {
		a.nextTO = seed.PrevClose.Add(time.Millisecond)
		a.prevDay = model.DayNumber(seed.PrevClose)
		a.hasPrev = true
	}
	return a
}

// start opens a new bar on day d.
func (a *accumulator) start(d model.DailyBar, tfDays int, partialStart bool) {
	timeOpen := a.nextTO
	if timeOpen.IsZero() {
		timeOpen = d.TimeOpen
		if timeOpen.IsZero() {
			timeOpen = d.TS
		}
	}
	a.cur = model.BarSnapshot{
		Asset:          d.Asset,
		TF:             a.spec.TF,
		BarSeq:         a.seq,
		TimeOpen:       timeOpen,
		TimeHigh:       orTS(d.TimeHigh, d.TS),
		TimeLow:        orTS(d.TimeLow, d.TS),
		Open:           d.Open,
		High:           d.High,
		Low:            d.Low,
		IsPartialStart: partialStart,
		TfDays:         tfDays,
	}
	a.open = true
}

// add folds day d into the forming bar and records the gap [gapFrom, d) as
// missing days. It returns the snapshot as of d.
func (a *accumulator) add(d model.DailyBar, gapFrom int64, partialEnd bool) model.BarSnapshot {
	c := &a.cur
	if c.CountDays > 0 {
		if d.High > c.High {
			c.High = d.High
			c.TimeHigh = orTS(d.TimeHigh, d.TS)
		}
		if d.Low < c.Low {
			c.Low = d.Low
			c.TimeLow = orTS(d.TimeLow, d.TS)
		}
	}
	day := d.Day()
	for g := gapFrom; g < day; g++ {
		c.MissingDays = append(c.MissingDays, dayString(g))
	}
	c.CountMissingDays = len(c.MissingDays)
	if c.CountMissingDays > 0 {
		c.IsMissingDays = true
	}
	c.Close = d.Close
	c.Volume += d.Volume
	c.CountDays++
	c.TimeClose = d.TS
	c.IsPartialEnd = partialEnd

	a.prevDay = day
	a.hasPrev = true

	snap := *c
	if len(c.MissingDays) > 0 {
		snap.MissingDays = append([]string(nil), c.MissingDays...)
	}
	return snap
}

func (a *accumulator) emit(s model.BarSnapshot) {
	if s.IsPartialEnd && !a.spec.AllowPartialEnd {
		return
	}
	a.out = append(a.out, s)
}

// finish closes the forming bar; the next bar opens 1ms after its last close.
func (a *accumulator) finish() {
	if !a.open {
		return
	}
	a.nextTO = a.cur.TimeClose.Add(time.Millisecond)
	a.seq++
	a.open = false
}

func orTS(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
