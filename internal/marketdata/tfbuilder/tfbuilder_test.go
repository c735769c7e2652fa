package tfbuilder

import (
	"errors"
	"testing"
	"time"

	"tfbars/internal/model"
	"tfbars/internal/timeframe"
)

// dailyAt creates a daily row closing at the last millisecond of the day.
func dailyAt(asset string, day time.Time, close_ float64) model.DailyBar {
	open := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return model.DailyBar{
		Asset:    asset,
		TS:       open.Add(24*time.Hour - time.Millisecond),
		TimeOpen: open,
		Open:     close_ - 1,
		High:     close_ + 2,
		Low:      close_ - 2,
		Close:    close_,
		Volume:   10,
	}
}

// series builds n consecutive days starting at start with closes 100, 101, ...
func series(asset string, start time.Time, n int) []model.DailyBar {
	out := make([]model.DailyBar, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, dailyAt(asset, start.AddDate(0, 0, i), float64(100+i)))
	}
	return out
}

// weekdays builds n weekday rows starting at start, skipping weekends.
func weekdays(asset string, start time.Time, n int) []model.DailyBar {
	var out []model.DailyBar
	for d := start; len(out) < n; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		out = append(out, dailyAt(asset, d, float64(100+len(out))))
	}
	return out
}

func mustSpec(t *testing.T, label string) model.TimeframeSpec {
	t.Helper()
	s, err := timeframe.Parse(label)
	if err != nil {
		t.Fatalf("parse %s: %v", label, err)
	}
	return s
}

func assertOneCanonicalPerBar(t *testing.T, snaps []model.BarSnapshot) {
	t.Helper()
	canon := map[int64]int{}
	var last int64 = -1
	for _, s := range snaps {
		if !s.IsPartialEnd {
			canon[s.BarSeq]++
		}
		if s.BarSeq > last {
			last = s.BarSeq
		}
	}
	for seq := snaps[0].BarSeq; seq <= last; seq++ {
		want := 1
		if seq == last && snaps[len(snaps)-1].IsPartialEnd {
			want = 0
		}
		if canon[seq] != want {
			t.Errorf("bar_seq %d: expected %d canonical rows, got %d", seq, want, canon[seq])
		}
	}
}

func assertContinuity(t *testing.T, snaps []model.BarSnapshot) {
	t.Helper()
	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1], snaps[i]
		if cur.BarSeq == prev.BarSeq {
			if !cur.TimeOpen.Equal(prev.TimeOpen) {
				t.Errorf("bar_seq %d: time_open changed within bar", cur.BarSeq)
			}
			continue
		}
		if cur.BarSeq != prev.BarSeq+1 {
			t.Fatalf("bar_seq jumped from %d to %d", prev.BarSeq, cur.BarSeq)
		}
		if want := prev.TimeClose.Add(time.Millisecond); !cur.TimeOpen.Equal(want) {
			t.Errorf("bar_seq %d: time_open %v, expected %v", cur.BarSeq, cur.TimeOpen, want)
		}
	}
}

func TestRowCount_TenDaysThreeDay(t *testing.T) {
	days := series("A", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10)
	snaps, err := Build(days, mustSpec(t, "3D"), Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(snaps) != 10 {
		t.Fatalf("expected 10 snapshots, got %d", len(snaps))
	}

	perSeq := map[int64][]model.BarSnapshot{}
	for _, s := range snaps {
		perSeq[s.BarSeq] = append(perSeq[s.BarSeq], s)
	}
	if len(perSeq) != 4 {
		t.Fatalf("expected 4 bar_seq values, got %d", len(perSeq))
	}

	bar0 := perSeq[0]
	if len(bar0) != 3 {
		t.Fatalf("bar 0: expected 3 rows, got %d", len(bar0))
	}
	if !bar0[0].IsPartialEnd || !bar0[1].IsPartialEnd || bar0[2].IsPartialEnd {
		t.Errorf("bar 0: expected only day 3 canonical, got %v %v %v",
			bar0[0].IsPartialEnd, bar0[1].IsPartialEnd, bar0[2].IsPartialEnd)
	}
	if bar0[2].Open != days[0].Open || bar0[2].Close != days[2].Close {
		t.Errorf("bar 0: open/close mismatch: %+v", bar0[2])
	}
	if bar0[2].Volume != 30 || bar0[2].CountDays != 3 {
		t.Errorf("bar 0: expected volume 30 over 3 days, got %v over %d", bar0[2].Volume, bar0[2].CountDays)
	}
	if bar0[2].High != days[2].High || bar0[2].Low != days[0].Low {
		t.Errorf("bar 0: extremes wrong: high=%v low=%v", bar0[2].High, bar0[2].Low)
	}

	bar3 := perSeq[3]
	if len(bar3) != 1 || !bar3[0].IsPartialEnd {
		t.Fatalf("bar 3: expected a single partial row, got %+v", bar3)
	}
	for _, s := range snaps {
		if s.IsPartialStart {
			t.Errorf("row-count never emits partial-start bars: %+v", s)
		}
	}
	assertOneCanonicalPerBar(t, snaps)
	assertContinuity(t, snaps)
}

func TestContinuity_AllFamilies(t *testing.T) {
	days := series("A", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), 120)
	for _, label := range []string{"5D", "1W_CAL_ISO", "1W_CAL_US", "1M_CAL", "1W_ANCHOR_ISO", "1M_ANCHOR"} {
		t.Run(label, func(t *testing.T) {
			snaps, err := Build(days, mustSpec(t, label), Seed{})
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if len(snaps) == 0 {
				t.Fatal("no snapshots")
			}
			assertContinuity(t, snaps)
			assertOneCanonicalPerBar(t, snaps)
		})
	}
}

func TestCalendar_DropsLeadingDays(t *testing.T) {
	// 2024-01-03 is a Wednesday; the first full ISO week starts 2024-01-08.
	days := series("A", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), 14)
	snaps, err := Build(days, mustSpec(t, "1W_CAL_ISO"), Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first := snaps[0]
	if first.BarSeq != 0 || first.TimeClose.Day() != 8 {
		t.Fatalf("expected first bar to start on Jan 8, got %v", first.TimeClose)
	}
	if first.IsPartialStart {
		t.Error("calendar bars are never partial-start")
	}
	if !first.TimeOpen.Equal(days[5].TimeOpen) {
		t.Errorf("first time_open should be the first kept day's open, got %v", first.TimeOpen)
	}
	// Jan 8..14 full week canonical on Sunday, then Jan 15..16 partial.
	if len(snaps) != 9 {
		t.Fatalf("expected 9 snapshots, got %d", len(snaps))
	}
	if snaps[6].IsPartialEnd || snaps[6].TimeClose.Weekday() != time.Sunday {
		t.Errorf("expected canonical close on Sunday, got %+v", snaps[6])
	}
	if !snaps[8].IsPartialEnd {
		t.Error("trailing week must be partial")
	}
}

func TestAnchored_FlagsPartialStart(t *testing.T) {
	days := series("A", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), 14)
	snaps, err := Build(days, mustSpec(t, "1W_ANCHOR_ISO"), Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !snaps[0].IsPartialStart || snaps[0].BarSeq != 0 {
		t.Fatalf("expected partial-start bar 0, got %+v", snaps[0])
	}
	// Wed..Sun of the first week: 5 rows, canonical on Sunday Jan 7.
	if snaps[4].IsPartialEnd || snaps[4].CountDays != 5 {
		t.Errorf("expected canonical close after 5 days, got %+v", snaps[4])
	}
	if snaps[5].IsPartialStart {
		t.Error("only the first anchored bar may be partial-start")
	}
	if !snaps[5].TimeOpen.Equal(snaps[4].TimeClose.Add(time.Millisecond)) {
		t.Error("continuity broken after partial-start bar")
	}
}

func TestCalendar_GapClosesWindow(t *testing.T) {
	// Weekday-only data never observes the ISO week's Sunday.
	days := weekdays("A", time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), 12)
	snaps, err := Build(days, mustSpec(t, "1W_CAL_ISO"), Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Fridays Jan 12 and Jan 19 close their weeks, Jan 23 is still forming.
	for _, s := range snaps {
		canonical := !s.IsPartialEnd
		friday := s.TimeClose.Weekday() == time.Friday
		if canonical != friday {
			t.Errorf("%v: canonical=%v", s.TimeClose.Format("2006-01-02"), canonical)
		}
	}
	// The weekend belongs to the previous window, not to Monday's bar.
	if snaps[5].IsMissingDays {
		t.Errorf("Monday after weekend should not record missing days, got %+v", snaps[5])
	}
	assertOneCanonicalPerBar(t, snaps)
}

func TestRowCount_MissingDaysSticky(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	days := []model.DailyBar{
		dailyAt("A", start, 10),
		dailyAt("A", start.AddDate(0, 0, 3), 11),
		dailyAt("A", start.AddDate(0, 0, 4), 12),
	}
	snaps, err := Build(days, mustSpec(t, "3D"), Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if snaps[0].IsMissingDays {
		t.Error("first day cannot have a gap")
	}
	if !snaps[1].IsMissingDays || snaps[1].CountMissingDays != 2 {
		t.Errorf("expected 2 missing days, got %+v", snaps[1])
	}
	if !snaps[2].IsMissingDays || snaps[2].CountMissingDays != 2 {
		t.Error("missing-day flag must stay set for the rest of the bar")
	}
	if snaps[2].MissingDays[0] != "2024-02-02" || snaps[2].MissingDays[1] != "2024-02-03" {
		t.Errorf("unexpected missing days %v", snaps[2].MissingDays)
	}
}

func TestExtremes_EarliestWinsTies(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	a := dailyAt("A", start, 10)
	b := dailyAt("A", start.AddDate(0, 0, 1), 10)
	snaps, err := Build([]model.DailyBar{a, b}, mustSpec(t, "2D"), Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !snaps[1].TimeHigh.Equal(a.TS) || !snaps[1].TimeLow.Equal(a.TS) {
		t.Errorf("ties should keep the earliest day, got high=%v low=%v", snaps[1].TimeHigh, snaps[1].TimeLow)
	}
}

func TestNonMonotonic_Fails(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	dup := []model.DailyBar{dailyAt("A", start, 1), dailyAt("A", start, 2)}
	back := []model.DailyBar{dailyAt("A", start.AddDate(0, 0, 1), 1), dailyAt("A", start, 2)}
	for _, fam := range model.Families {
		b, err := For(fam)
		if err != nil {
			t.Fatalf("for %s: %v", fam, err)
		}
		spec := mustSpec(t, map[model.Family]string{
			model.FamilyRowCount:         "3D",
			model.FamilyCalendar:         "1M_CAL",
			model.FamilyCalendarAnchored: "1M_ANCHOR",
		}[fam])
		for _, in := range [][]model.DailyBar{dup, back} {
			if _, err := b.Build(in, spec, Seed{}); !errors.Is(err, ErrNonMonotonic) {
				t.Errorf("%s: expected ErrNonMonotonic, got %v", fam, err)
			}
		}
	}
}

// Re-deriving the last bar from stored state must reproduce a full build.
func TestResume_MatchesFullBuild(t *testing.T) {
	days := series("A", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), 40)
	for _, label := range []string{"3D", "1W_CAL_ISO", "1W_ANCHOR_ISO"} {
		t.Run(label, func(t *testing.T) {
			spec := mustSpec(t, label)
			full, err := Build(days, spec, Seed{})
			if err != nil {
				t.Fatalf("full: %v", err)
			}
			head, err := Build(days[:25], spec, Seed{})
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			last := head[len(head)-1]
			// first snapshot of the last bar
			var first model.BarSnapshot
			for _, s := range head {
				if s.BarSeq == last.BarSeq {
					first = s
					break
				}
			}
			seed := Seed{StartSeq: last.BarSeq, Resume: true}
			if last.BarSeq > 0 {
				seed.PrevClose = first.TimeOpen.Add(-time.Millisecond)
			}
			var tail []model.DailyBar
			for _, d := range days {
				if !d.TS.Before(first.TimeClose) {
					tail = append(tail, d)
				}
			}
			rest, err := Build(tail, spec, seed)
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			var merged []model.BarSnapshot
			for _, s := range head {
				if s.BarSeq < last.BarSeq {
					merged = append(merged, s)
				}
			}
			merged = append(merged, rest...)
			if len(merged) != len(full) {
				t.Fatalf("expected %d snapshots, got %d", len(full), len(merged))
			}
			for i := range full {
				a, b := full[i], merged[i]
				if a.BarSeq != b.BarSeq || !a.TimeOpen.Equal(b.TimeOpen) || a.IsPartialEnd != b.IsPartialEnd ||
					a.IsPartialStart != b.IsPartialStart || a.Close != b.Close || a.Volume != b.Volume {
					t.Fatalf("row %d differs:\nfull   %+v\nresume %+v", i, a, b)
				}
			}
		})
	}
}

func TestAllowPartialEndFalse_EmitsOnlyCanonical(t *testing.T) {
	spec := mustSpec(t, "3D")
	spec.AllowPartialEnd = false
	snaps, err := Build(series("A", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10), spec, Seed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 canonical rows, got %d", len(snaps))
	}
	for _, s := range snaps {
		if s.IsPartialEnd {
			t.Errorf("unexpected partial row %+v", s)
		}
	}
}
