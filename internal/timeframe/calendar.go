package timeframe

import (
	"fmt"
	"time"

	"tfbars/internal/model"
)

// Week grid epochs as day numbers since 1970-01-01.
const (
	isoEpochDay int64 = 4 // Monday 1970-01-05
	usEpochDay  int64 = 3 // Sunday 1970-01-04
)

// Window is an inclusive range of day numbers.
type Window struct {
	Start int64
	End   int64
}

// Contains reports whether day falls inside the window.
func (w Window) Contains(day int64) bool { return day >= w.Start && day <= w.End }

// Days returns the number of calendar days the window spans.
func (w Window) Days() int { return int(w.End - w.Start + 1) }

// WindowOf returns the calendar window of spec containing day. Windows lie on
// a global grid: weeks are numbered from a fixed epoch week and grouped by
// Qty, months are indexed year*12+month-1 and grouped by Qty, years by Qty.
func WindowOf(spec model.TimeframeSpec, day int64) (Window, error) {
	q := int64(spec.Qty)
	if q <= 0 {
		return Window{}, fmt.Errorf("timeframe %s: qty must be positive", spec.TF)
	}
	switch spec.Unit {
	case model.UnitWeek:
		epoch := isoEpochDay
		if spec.Scheme == model.SchemeUS {
			epoch = usEpochDay
		}
		group := floorDiv(floorDiv(day-epoch, 7), q)
		start := epoch + group*q*7
		return Window{Start: start, End: start + q*7 - 1}, nil

	case model.UnitMonth:
		t := model.DayTime(day)
		idx := int64(t.Year())*12 + int64(t.Month()) - 1
		g := floorDiv(idx, q) * q
		start := time.Date(int(floorDiv(g, 12)), time.Month(g-floorDiv(g, 12)*12+1), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, int(q), -1)
		return Window{Start: model.DayNumber(start), End: model.DayNumber(end)}, nil

	case model.UnitYear:
		y := int64(model.DayTime(day).Year())
		g := floorDiv(y, q) * q
		start := time.Date(int(g), time.January, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(int(q), 0, -1)
		return Window{Start: model.DayNumber(start), End: model.DayNumber(end)}, nil
	}
	return Window{}, fmt.Errorf("timeframe %s: unit %q has no calendar grid", spec.TF, spec.Unit)
}

// FirstFullWindow returns the first grid window starting on or after day.
func FirstFullWindow(spec model.TimeframeSpec, day int64) (Window, error) {
	w, err := WindowOf(spec, day)
	if err != nil {
		return Window{}, err
	}
	if w.Start == day {
		return w, nil
	}
	return WindowOf(spec, w.End+1)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
