package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfbars/internal/metrics"
	"tfbars/internal/model"
	"tfbars/internal/notification"
	"tfbars/internal/refresh"
	"tfbars/internal/ringbuf"
	"tfbars/internal/source"
	"tfbars/internal/store"
	"tfbars/internal/store/memstore"
	"tfbars/internal/timeframe"
	"tfbars/internal/unify"
	"tfbars/internal/watermark"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func days(asset string, offset, n int) []model.DailyBar {
	out := make([]model.DailyBar, 0, n)
	for i := offset; i < offset+n; i++ {
		d := day0.AddDate(0, 0, i)
		c := float64(100 + i)
		out = append(out, model.DailyBar{
			Asset: asset, TS: d.Add(24*time.Hour - time.Millisecond), TimeOpen: d,
			Open: c - 1, High: c + 2, Low: c - 2, Close: c, Volume: 10,
		})
	}
	return out
}

// brokenSource fails every read of one asset.
type brokenSource struct {
	*source.Series
	bad string
}

var errDisk = errors.New("disk on fire")

func (b brokenSource) ReadRange(ctx context.Context, asset string, from, to *time.Time) ([]model.DailyBar, error) {
	if asset == b.bad {
		return nil, errDisk
	}
	return b.Series.ReadRange(ctx, asset, from, to)
}

type harness struct {
	mem    *memstore.Store
	src    *source.Series
	runner *Runner
	ring   *ringbuf.Ring[RunReport]
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, labels ...string) *harness {
	t.Helper()
	cat, err := timeframe.FromLabels(labels)
	require.NoError(t, err)
	mem := memstore.New()
	reg := prometheus.NewRegistry()
	h := &harness{mem: mem, src: source.New(mem), ring: ringbuf.New[RunReport](4), reg: reg}
	var (
		clockMu sync.Mutex
		clock   = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	)
	h.runner = &Runner{
		Catalog:    cat,
		Source:     h.src,
		Store:      mem,
		Watermarks: watermark.New(mem),
		Syncer:     &unify.Syncer{Store: mem},
		Periods:    []int{3, 10},
		Workers:    2,
		Metrics:    metrics.NewMetrics(reg),
		Reports:    h.ring,
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	}
	return h
}

func (h *harness) load(t *testing.T, bars []model.DailyBar) {
	t.Helper()
	_, err := h.src.Write(context.Background(), bars)
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T) RunReport {
	t.Helper()
	r, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	return r
}

func TestRunner_FirstRunBuildsEveryKey(t *testing.T) {
	h := newHarness(t, "3D", "1W_CAL_ISO")
	h.load(t, days("A", 0, 30))
	h.load(t, days("B", 0, 30))

	r := h.run(t)
	require.NotEmpty(t, r.RunID)
	assert.NoError(t, r.Err())
	// 2 assets x 2 timeframes x (1 bar unit + 2 periods).
	require.Len(t, r.Units, 12)
	for _, u := range r.Units {
		assert.Equal(t, refresh.ActionFullRebuild, u.Action, u.Key.String())
		assert.Positive(t, u.RowsWritten, u.Key.String())
	}
	assert.Equal(t, "A", r.Units[0].Key.Asset)
	assert.Equal(t, StageBars, r.Units[0].Stage)

	bars := h.mem.Len(store.BarTable(model.FamilyRowCount)) + h.mem.Len(store.BarTable(model.FamilyCalendar))
	assert.Equal(t, int64(bars), r.Synced[store.BarsUnified])
	assert.Equal(t, bars, h.mem.Len(store.BarsUnified))
	emas := h.mem.Len(store.EmaTable(model.FamilyRowCount)) + h.mem.Len(store.EmaTable(model.FamilyCalendar))
	assert.Equal(t, emas, h.mem.Len(store.EmaUnified))
}

func TestRunner_SecondRunIsNoOp(t *testing.T) {
	h := newHarness(t, "3D", "1M_CAL")
	h.load(t, days("A", 0, 60))
	h.run(t)

	r := h.run(t)
	for _, u := range r.Units {
		assert.Equal(t, refresh.ActionNoOp, u.Action, u.Key.String())
		assert.Zero(t, u.RowsWritten)
	}
	assert.Zero(t, r.Synced[store.BarsUnified])
	assert.Zero(t, r.Synced[store.EmaUnified])
	assert.Equal(t, map[string]int{"noop": len(r.Units)}, r.Counts())
}

func TestRunner_AppendKeepsUnifiedInStep(t *testing.T) {
	h := newHarness(t, "3D")
	h.load(t, days("A", 0, 20))
	h.run(t)

	h.load(t, days("A", 20, 5))
	r := h.run(t)
	for _, u := range r.Units {
		assert.Equal(t, refresh.ActionForwardAppend, u.Action, u.Key.String())
	}
	assert.Positive(t, r.Synced[store.BarsUnified])
	assert.Equal(t, h.mem.Len(store.BarTable(model.FamilyRowCount)), h.mem.Len(store.BarsUnified))
	assert.Equal(t, h.mem.Len(store.EmaTable(model.FamilyRowCount)), h.mem.Len(store.EmaUnified))
}

func TestRunner_BackfillRebuildsBarsAndEma(t *testing.T) {
	h := newHarness(t, "3D")
	h.load(t, days("A", 5, 20))
	h.run(t)

	h.load(t, days("A", 0, 5))
	r := h.run(t)
	for _, u := range r.Units {
		assert.Equal(t, refresh.ActionBackfillRebuild, u.Action, u.Key.String())
	}
	// Unified rows of the old series were invalidated before the resync.
	assert.Equal(t, h.mem.Len(store.BarTable(model.FamilyRowCount)), h.mem.Len(store.BarsUnified))
	assert.Equal(t, h.mem.Len(store.EmaTable(model.FamilyRowCount)), h.mem.Len(store.EmaUnified))
}

func countEma(t *testing.T, mem *memstore.Store, table, asset string) int {
	t.Helper()
	n := 0
	require.NoError(t, mem.Scan(context.Background(), table, model.Range{Eq: map[string]any{"id": asset}}, func(model.Row) error {
		n++
		return nil
	}))
	return n
}

func TestRunner_NewPeriodKeepsSiblingUnifiedRows(t *testing.T) {
	h := newHarness(t, "3D")
	h.runner.Periods = []int{3}
	h.load(t, days("A", 0, 30))
	h.run(t)
	before := countEma(t, h.mem, store.EmaUnified, "A")
	require.Positive(t, before)

	h.runner.Periods = []int{3, 10}
	r := h.run(t)
	for _, u := range r.Units {
		if u.Stage == StageEma && u.Key.Period == 3 {
			assert.Equal(t, refresh.ActionNoOp, u.Action)
		}
		if u.Stage == StageEma && u.Key.Period == 10 {
			assert.Equal(t, refresh.ActionFullRebuild, u.Action)
		}
	}
	var period3 int
	require.NoError(t, h.mem.Scan(context.Background(), store.EmaUnified,
		model.Range{Eq: map[string]any{"id": "A", "period": int64(3)}}, func(model.Row) error {
			period3++
			return nil
		}))
	assert.Equal(t, before, period3)
	assert.Equal(t, h.mem.Len(store.EmaTable(model.FamilyRowCount)), h.mem.Len(store.EmaUnified))
}

func TestRunner_FailureIsIsolatedAndReported(t *testing.T) {
	h := newHarness(t, "3D", "1W_CAL_ISO")
	h.load(t, days("A", 0, 30))
	h.load(t, days("BAD", 0, 30))
	h.runner.Source = brokenSource{Series: h.src, bad: "BAD"}

	r := h.run(t)
	fails := r.Failures()
	require.Len(t, fails, 2)
	for _, u := range fails {
		assert.Equal(t, "BAD", u.Key.Asset)
		assert.Equal(t, StageBars, u.Stage)
		assert.Equal(t, refresh.KindStorage, u.Kind)
		assert.Contains(t, u.Error, "disk on fire")
	}
	for _, u := range r.Units {
		if u.Key.Asset == "A" {
			assert.False(t, u.Failed())
			assert.Equal(t, refresh.ActionFullRebuild, u.Action)
		}
		if u.Key.Asset == "BAD" && u.Stage == StageEma {
			assert.Equal(t, refresh.ActionNoOp, u.Action)
			assert.Equal(t, SkippedReason, u.Reason)
			assert.False(t, u.Failed())
		}
	}
	assert.Zero(t, countEma(t, h.mem, store.EmaTable(model.FamilyRowCount), "BAD"))
	assert.ErrorContains(t, r.Err(), "disk on fire")
	assert.Equal(t, float64(2), testutil.ToFloat64(h.runner.Metrics.UnitFailures.WithLabelValues("bars", string(refresh.KindStorage))))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.runner.Metrics.LastRunFailed))
}

func TestRunner_ResetForcesFullRebuild(t *testing.T) {
	h := newHarness(t, "3D")
	h.load(t, days("A", 0, 20))
	h.run(t)

	require.NoError(t, h.runner.Reset(context.Background(), "A", "3D"))
	r := h.run(t)
	for _, u := range r.Units {
		assert.Equal(t, refresh.ActionFullRebuild, u.Action, u.Key.String())
	}
}

func TestRunner_PushesReportsToRing(t *testing.T) {
	h := newHarness(t, "3D")
	h.load(t, days("A", 0, 10))
	first := h.run(t)
	second := h.run(t)

	got, ok := h.ring.Pop()
	require.True(t, ok)
	assert.Equal(t, first.RunID, got.RunID)
	got, ok = h.ring.Pop()
	require.True(t, ok)
	assert.Equal(t, second.RunID, got.RunID)
	assert.NotEqual(t, first.RunID, second.RunID)

	for i := 0; i < 5; i++ {
		h.run(t)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.runner.Metrics.RingBufOverflow))
}

func TestRunner_CancelledContext(t *testing.T) {
	h := newHarness(t, "3D")
	h.load(t, days("A", 0, 10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyLock_HonoursContext(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "A/3D")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "A/3D")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "A/5D")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(context.Background(), "A/3D")
	require.NoError(t, err)
	again()
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func TestPump_DrainsToSinksOnShutdown(t *testing.T) {
	ring := ringbuf.New[RunReport](8)
	ring.Push(RunReport{RunID: "r1"})
	ring.Push(RunReport{RunID: "r2", Units: []UnitReport{{
		Key: refresh.Key{Asset: "A", TF: "3D"}, Stage: StageBars,
		Kind: refresh.KindInputContract, Error: "duplicate ts",
	}}})

	var (
		mu  sync.Mutex
		ids []string
	)
	collect := func(_ context.Context, r RunReport) error {
		mu.Lock()
		ids = append(ids, r.RunID)
		mu.Unlock()
		return nil
	}
	n := &recordingNotifier{}
	health := metrics.NewHealthStatus()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Pump(ctx, ring, time.Hour, collect, AlertSink(n), HealthSink(health))

	assert.Equal(t, []string{"r1", "r2"}, ids)
	require.Len(t, n.alerts, 1)
	assert.Equal(t, notification.AlertCritical, n.alerts[0].Level)
	assert.Equal(t, "A/3D", n.alerts[0].Fields["key"])
	assert.Equal(t, "r2", n.alerts[0].Fields["run_id"])
	assert.Zero(t, ring.Len())
}

func TestRefreshJob(t *testing.T) {
	h := newHarness(t, "3D")
	h.load(t, days("A", 0, 10))
	job := RefreshJob{Runner: h.runner}
	assert.Equal(t, "refresh", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, h.ring.Len())
}
