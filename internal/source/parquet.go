package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/parquet-go/parquet-go"

	"tfbars/internal/model"
)

// Record is the parquet row layout of a daily bar export. Timestamps are
// epoch milliseconds; T is the daily close time.
type Record struct {
	Asset    string  `parquet:"id"`
	T        int64   `parquet:"t"`
	TimeOpen int64   `parquet:"time_open"`
	TimeHigh int64   `parquet:"time_high"`
	TimeLow  int64   `parquet:"time_low"`
	O        float64 `parquet:"o"`
	H        float64 `parquet:"h"`
	L        float64 `parquet:"l"`
	C        float64 `parquet:"c"`
	V        float64 `parquet:"v"`
}

func (r Record) bar() model.DailyBar {
	return model.DailyBar{
		Asset:    r.Asset,
		TS:       model.FromMillis(r.T),
		TimeOpen: model.FromMillis(r.TimeOpen),
		TimeHigh: model.FromMillis(r.TimeHigh),
		TimeLow:  model.FromMillis(r.TimeLow),
		Open:     r.O,
		High:     r.H,
		Low:      r.L,
		Close:    r.C,
		Volume:   r.V,
	}
}

// ImportParquet loads a parquet file of daily records into the series.
// Rows are sorted per asset; a repeated (asset, day) is rejected.
func ImportParquet(ctx context.Context, s *Series, path string) (int64, error) {
	recs, err := parquet.ReadFile[Record](path)
	if err != nil {
		return 0, fmt.Errorf("parquet read %s: %w", path, err)
	}
	n, err := importRecords(ctx, s, path, recs)
	if err != nil {
		return 0, err
	}
	slog.Info("[source] imported parquet", "path", path, "rows", n)
	return n, nil
}

func importRecords(ctx context.Context, s *Series, path string, recs []Record) (int64, error) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Asset != recs[j].Asset {
			return recs[i].Asset < recs[j].Asset
		}
		return recs[i].T < recs[j].T
	})

	bars := make([]model.DailyBar, 0, len(recs))
	for i, r := range recs {
		b := r.bar()
		if i > 0 && recs[i-1].Asset == r.Asset && model.DayNumber(model.FromMillis(recs[i-1].T)) == b.Day() {
			return 0, fmt.Errorf("%s: duplicate day %s for %s", path, b.TS.Format("2006-01-02"), r.Asset)
		}
		bars = append(bars, b)
	}
	return s.Write(ctx, bars)
}

// ExportParquet writes the series of the given assets to a parquet file.
func ExportParquet(ctx context.Context, s *Series, assets []string, path string) error {
	var recs []Record
	for _, a := range assets {
		bars, err := s.ReadRange(ctx, a, nil, nil)
		if err != nil {
			return err
		}
		for _, b := range bars {
			recs = append(recs, Record{
				Asset:    b.Asset,
				T:        model.ToMillis(b.TS),
				TimeOpen: model.ToMillis(b.TimeOpen),
				TimeHigh: model.ToMillis(b.TimeHigh),
				TimeLow:  model.ToMillis(b.TimeLow),
				O:        b.Open,
				H:        b.High,
				L:        b.Low,
				C:        b.Close,
				V:        b.Volume,
			})
		}
	}
	return parquet.WriteFile(path, recs)
}
