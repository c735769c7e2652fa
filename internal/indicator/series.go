package indicator

import "tfbars/internal/model"

// Tracker walks the bar snapshots of one (asset, tf) and produces one
// EmaPoint per snapshot with both value tracks.
type Tracker struct {
	canon *EMA

	// Canonical track.
	d1 *float64

	// Bar-space track, updated on every row.
	bar   *float64
	d1Bar *float64
}

// NewTracker starts an uninitialized tracker.
func NewTracker(period int) *Tracker {
	return &Tracker{canon: NewEMA(period)}
}

// Resume starts a tracker from a stored canonical point. It reports false
// when the point cannot seed a recursion (no canonical value stored).
func Resume(p model.EmaPoint) (*Tracker, bool) {
	if p.Roll || p.Ema == nil {
		return nil, false
	}
	t := NewTracker(p.Period)
	t.canon.Restore(State{Period: p.Period, Current: *p.Ema, Count: 1})
	t.d1 = copyPtr(p.D1)
	t.bar = copyPtr(p.Ema)
	if p.EmaBar != nil {
		t.bar = copyPtr(p.EmaBar)
	}
	t.d1Bar = copyPtr(p.D1Bar)
	return t, true
}

// Next consumes one snapshot.
func (t *Tracker) Next(s model.BarSnapshot) model.EmaPoint {
	p := model.EmaPoint{
		Asset:  s.Asset,
		TF:     s.TF,
		Period: t.canon.Period(),
		TS:     s.TimeClose,
		BarSeq: s.BarSeq,
		Close:  s.Close,
		TfDays: s.TfDays,
		Roll:   !s.Canonical(),
	}

	var bar float64
	if s.Canonical() {
		var prev *float64
		if t.canon.Ready() {
			prev = ptr(t.canon.Value())
		}
		ema := t.canon.Update(s.Close)
		p.Ema = ptr(ema)
		if prev != nil {
			d1 := ema - *prev
			p.D1 = ptr(d1)
			if t.d1 != nil {
				p.D2 = ptr(d1 - *t.d1)
			}
		}
		t.d1 = copyPtr(p.D1)
		bar = ema
	} else {
		a := DailyAlpha(Alpha(t.canon.Period()), s.TfDays)
		if t.bar == nil {
			bar = s.Close
		} else {
			bar = a*s.Close + (1-a)*(*t.bar)
		}
	}

	p.EmaBar = ptr(bar)
	if t.bar != nil {
		d1 := bar - *t.bar
		p.D1Bar = ptr(d1)
		if t.d1Bar != nil {
			p.D2Bar = ptr(d1 - *t.d1Bar)
		}
	}
	t.bar = ptr(bar)
	t.d1Bar = copyPtr(p.D1Bar)
	return p
}

// Compute runs a fresh tracker over snaps.
func Compute(snaps []model.BarSnapshot, period int) []model.EmaPoint {
	t := NewTracker(period)
	out := make([]model.EmaPoint, len(snaps))
	for i, s := range snaps {
		out[i] = t.Next(s)
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptr(*v)
}
