package tfbuilder

import "tfbars/internal/model"

// rowCount groups every Qty consecutive rows into one bar, anchored to the
// first row of the slice. Gaps between rows never shift boundaries.
type rowCount struct{}

func (rowCount) Build(days []model.DailyBar, spec model.TimeframeSpec, seed Seed) ([]model.BarSnapshot, error) {
	if err := CheckMonotonic(days); err != nil {
		return nil, err
	}
	q := spec.Qty
	if q <= 0 {
		q = 1
	}
	acc := newAccumulator(spec, seed, len(days))
	for i, d := range days {
		pos := i % q
		if pos == 0 {
			acc.finish()
			acc.start(d, spec.TfDays, false)
		}
		gapFrom := d.Day()
		if pos > 0 {
			gapFrom = acc.prevDay + 1
		}
		acc.emit(acc.add(d, gapFrom, pos != q-1))
	}
	return acc.out, nil
}
