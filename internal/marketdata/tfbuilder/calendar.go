package tfbuilder

import (
	"tfbars/internal/model"
	"tfbars/internal/timeframe"
)

// calendar places bars on the global calendar grid. The full-period variant
// drops days before the first grid boundary of a fresh series; the anchored
// variant keeps them and flags the first bar as a partial start.
type calendar struct {
	anchored bool
}

func (c calendar) Build(days []model.DailyBar, spec model.TimeframeSpec, seed Seed) ([]model.BarSnapshot, error) {
	if err := CheckMonotonic(days); err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}

	keepLeading := c.anchored && spec.AllowPartialStart
	if seed.fresh() && !keepLeading {
		first, err := timeframe.FirstFullWindow(spec, days[0].Day())
		if err != nil {
			return nil, err
		}
		skip := 0
		for skip < len(days) && days[skip].Day() < first.Start {
			skip++
		}
		days = days[skip:]
	}

	acc := newAccumulator(spec, seed, len(days))
	var win timeframe.Window
	for i, d := range days {
		day := d.Day()
		if !acc.open || !win.Contains(day) {
			w, err := timeframe.WindowOf(spec, day)
			if err != nil {
				return nil, err
			}
			acc.finish()
			win = w
			seriesStart := seed.StartSeq == 0 && seed.PrevClose.IsZero()
			partialStart := c.anchored && seriesStart && i == 0 && day > win.Start
			acc.start(d, win.Days(), partialStart)
		}

		gapFrom := day
		if acc.hasPrev {
			gapFrom = max(win.Start, acc.prevDay+1)
		}

		// The window has closed once its last day is observed or the next
		// observed day lies beyond it.
		closed := day == win.End || (i+1 < len(days) && days[i+1].Day() > win.End)
		acc.emit(acc.add(d, gapFrom, !closed))
	}
	return acc.out, nil
}
