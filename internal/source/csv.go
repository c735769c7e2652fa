package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"tfbars/internal/model"
)

var csvRequired = []string{"id", "t", "o", "h", "l", "c", "v"}

// ImportCSV loads a CSV file with a header row using the parquet column
// names (id,t,o,h,l,c,v and optional time_open,time_high,time_low). Times
// are epoch milliseconds or YYYY-MM-DD; a bare date means the end of that
// UTC day for t and its start for time_open.
func ImportCSV(ctx context.Context, s *Series, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("csv open: %w", err)
	}
	defer f.Close()

	recs, err := ReadCSV(f)
	if err != nil {
		return 0, fmt.Errorf("csv %s: %w", path, err)
	}
	n, err := importRecords(ctx, s, path, recs)
	if err != nil {
		return 0, err
	}
	slog.Info("[source] imported csv", "path", path, "rows", n)
	return n, nil
}

// ReadCSV decodes daily records from r.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range csvRequired {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var recs []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := parseRecord(row, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
}

func parseRecord(row []string, col map[string]int) (Record, error) {
	get := func(name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	var (
		rec  Record
		errs []error
	)
	num := func(name string) float64 {
		v, err := strconv.ParseFloat(get(name), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}
	stamp := func(name string, endOfDay bool) int64 {
		v := get(name)
		if v == "" {
			return 0
		}
		ms, err := parseStamp(v, endOfDay)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return ms
	}

	rec.Asset = get("id")
	if rec.Asset == "" {
		errs = append(errs, errors.New("id: empty"))
	}
	rec.T = stamp("t", true)
	rec.TimeOpen = stamp("time_open", false)
	rec.TimeHigh = stamp("time_high", false)
	rec.TimeLow = stamp("time_low", false)
	rec.O, rec.H, rec.L, rec.C, rec.V = num("o"), num("h"), num("l"), num("c"), num("v")
	if rec.TimeOpen == 0 && rec.T != 0 {
		rec.TimeOpen = model.ToMillis(model.DayTime(model.DayNumber(model.FromMillis(rec.T))))
	}
	return rec, errors.Join(errs...)
}

func parseStamp(v string, endOfDay bool) (int64, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return 0, err
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Millisecond)
	}
	return model.ToMillis(d), nil
}
