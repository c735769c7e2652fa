package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tfbars/internal/model"
	"tfbars/internal/source"
	"tfbars/internal/store/memstore"
	"tfbars/internal/timeframe"
	"tfbars/internal/watermark"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday

func daily(asset string, day time.Time, c float64) model.DailyBar {
	return model.DailyBar{
		Asset:    asset,
		TS:       day.Add(24*time.Hour - time.Millisecond),
		TimeOpen: day,
		Open:     c - 1,
		High:     c + 2,
		Low:      c - 2,
		Close:    c,
		Volume:   10,
	}
}

// days returns n consecutive rows starting offset days after day0.
func days(asset string, offset, n int) []model.DailyBar {
	out := make([]model.DailyBar, 0, n)
	for i := offset; i < offset+n; i++ {
		out = append(out, daily(asset, day0.AddDate(0, 0, i), float64(100+i)))
	}
	return out
}

type fixture struct {
	mem   *memstore.Store
	src   *source.Series
	wms   *watermark.TableStore
	unit  *BarUnit
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memstore.New()
	f := &fixture{
		mem:   mem,
		src:   source.New(mem),
		wms:   watermark.New(mem),
		clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.unit = &BarUnit{Source: f.src, Store: mem, Watermarks: f.wms, Now: func() time.Time { return f.clock }}
	return f
}

func (f *fixture) load(t *testing.T, bars []model.DailyBar) {
	t.Helper()
	_, err := f.src.Write(context.Background(), bars)
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, spec model.TimeframeSpec) BarResult {
	t.Helper()
	res, err := f.unit.Run(context.Background(), "A", spec)
	require.NoError(t, err)
	return res
}

// bars reads back the stored snapshots without their ingestion stamp.
func (f *fixture) bars(t *testing.T, spec model.TimeframeSpec) []model.BarSnapshot {
	t.Helper()
	out, err := ReadBars(context.Background(), f.mem, spec, "A", time.Time{})
	require.NoError(t, err)
	for i := range out {
		out[i].IngestedAt = time.Time{}
	}
	return out
}

func spec(t *testing.T, label string) model.TimeframeSpec {
	t.Helper()
	s, err := timeframe.Parse(label)
	require.NoError(t, err)
	return s
}
