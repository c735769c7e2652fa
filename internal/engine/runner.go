// Package engine schedules refresh units: one chain per (asset, timeframe)
// running the bar unit and then the EMA unit of every period, on a bounded
// worker pool with a single writer per key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tfbars/internal/indicator"
	"tfbars/internal/logger"
	"tfbars/internal/metrics"
	"tfbars/internal/model"
	"tfbars/internal/refresh"
	"tfbars/internal/ringbuf"
	"tfbars/internal/store"
	"tfbars/internal/unify"
)

// Runner executes refresh runs. It is safe to call Run concurrently; runs
// are serialized.
type Runner struct {
	Catalog    model.TimeframeCatalog
	Source     model.SourceSeries
	Store      model.TableStore
	Watermarks model.WatermarkStore

	// Syncer, when set, merges the family tables into the unified tables
	// after every run.
	Syncer *unify.Syncer

	Periods       []int
	Assets        []string // empty selects every asset of the source
	CanonicalOnly bool
	Workers       int

	Metrics *metrics.Metrics
	Reports *ringbuf.Ring[RunReport]
	Locks   *KeyLock
	Now     func() time.Time

	runMu    sync.Mutex
	lockOnce sync.Once
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) locks() *KeyLock {
	r.lockOnce.Do(func() {
		if r.Locks == nil {
			r.Locks = NewKeyLock()
		}
	})
	return r.Locks
}

// Run refreshes every (asset, timeframe) chain and syncs the unified tables.
// Unit failures are recorded in the report and never abort sibling units;
// the returned error is reserved for failures that prevent the run itself.
func (r *Runner) Run(ctx context.Context) (RunReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	report := RunReport{RunID: logger.NewRunID(), StartedAt: r.now()}
	ctx = logger.WithRunID(ctx, report.RunID)
	log := slog.With(logger.LogWithRun(ctx)...)

	assets := r.Assets
	if len(assets) == 0 {
		var err error
		if assets, err = r.Source.Assets(ctx); err != nil {
			return report, fmt.Errorf("list assets: %w", err)
		}
	}
	specs := r.Catalog.ListSpecs("", r.CanonicalOnly)
	log.Info("[engine] run started", "assets", len(assets), "timeframes", len(specs), "periods", r.Periods)

	var (
		mu    sync.Mutex
		units []UnitReport
	)
	record := func(u UnitReport) {
		mu.Lock()
		units = append(units, u)
		mu.Unlock()
		r.observe(u)
	}

	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, asset := range assets {
		for _, spec := range specs {
			asset, spec := asset, spec
			g.Go(func() error {
				return r.chain(ctx, asset, spec, record)
			})
		}
	}
	runErr := g.Wait()

	sort.Slice(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.Key.Asset != b.Key.Asset {
			return a.Key.Asset < b.Key.Asset
		}
		if a.Key.TF != b.Key.TF {
			return a.Key.TF < b.Key.TF
		}
		return a.Key.Period < b.Key.Period
	})
	report.Units = units

	if runErr == nil && r.Syncer != nil {
		report.Synced, runErr = r.sync(ctx)
		if runErr != nil {
			report.SyncError = runErr.Error()
			log.Error("[engine] unified sync failed", "error", runErr)
			runErr = nil
		}
	}
	report.FinishedAt = r.now()
	r.finish(report)

	log.Info("[engine] run finished",
		"units", len(report.Units), "counts", report.Counts(),
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	return report, runErr
}

// chain runs the bar unit of (asset, spec) followed by its EMA units while
// holding the key. Only context cancellation is returned as an error.
func (r *Runner) chain(ctx context.Context, asset string, spec model.TimeframeSpec, record func(UnitReport)) error {
	key := refresh.Key{Asset: asset, TF: spec.TF}
	unlock, err := r.locks().Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	started := time.Now()
	bars := &refresh.BarUnit{Source: r.Source, Store: r.Store, Watermarks: r.Watermarks, Now: r.Now}
	res, err := bars.Run(ctx, asset, spec)
	u := unitReport(key, StageBars, started, err)
	u.Table = store.BarTable(spec.Family)
	u.Action, u.Reason = res.Plan.Action, res.Plan.Reason
	u.RowsWritten, u.RowsDeleted = res.RowsWritten, res.RowsDeleted
	record(u)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err != nil {
		r.skipEma(key, spec, record)
		return nil
	}
	rebuilt := res.Plan.Action.Rebuilds()
	if rebuilt {
		r.invalidate(ctx, store.BarsUnified, store.BarTable(spec.Family),
			map[string]any{"id": asset, "tf": spec.TF})
	}

	emaUnit := &indicator.Unit{Store: r.Store, Watermarks: r.Watermarks, Now: r.Now}
	for _, period := range r.Periods {
		started := time.Now()
		ekey := refresh.Key{Asset: asset, TF: spec.TF, Period: period}
		eres, err := emaUnit.Run(ctx, asset, spec, period, rebuilt)
		u := unitReport(ekey, StageEma, started, err)
		u.Table = store.EmaTable(spec.Family)
		u.Action, u.Reason = eres.Plan.Action, eres.Plan.Reason
		u.RowsWritten, u.RowsDeleted = eres.RowsWritten, eres.RowsDeleted
		record(u)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err == nil && eres.Plan.Action.Rebuilds() {
			r.invalidate(ctx, store.EmaUnified, store.EmaTable(spec.Family),
				map[string]any{"id": asset, "tf": spec.TF, "period": int64(period)})
		}
	}
	return nil
}

// SkippedReason marks EMA units not run because their bar unit failed.
const SkippedReason = "skipped: bar unit failed"

// skipEma reports every EMA period of a key as skipped. Their inputs are
// whatever the failed bar unit left behind, so they wait for the next run.
func (r *Runner) skipEma(key refresh.Key, spec model.TimeframeSpec, record func(UnitReport)) {
	for _, period := range r.Periods {
		ekey := refresh.Key{Asset: key.Asset, TF: key.TF, Period: period}
		u := unitReport(ekey, StageEma, time.Now(), nil)
		u.Table = store.EmaTable(spec.Family)
		u.Action, u.Reason = refresh.ActionNoOp, SkippedReason
		record(u)
	}
}

// invalidate drops unified rows of a rebuilt series. Failure only leaves
// stale rows behind until the next rebuild, so it is logged, not reported.
func (r *Runner) invalidate(ctx context.Context, unified, source string, key map[string]any) {
	if r.Syncer == nil {
		return
	}
	if _, err := r.Syncer.Invalidate(ctx, unified, store.AlignmentSource, unify.TagFor(source), key); err != nil {
		slog.Warn("[engine] unified invalidation failed", append(logger.LogWithRun(ctx),
			"unified", unified, "key", key, "error", err)...)
	}
}

func (r *Runner) sync(ctx context.Context) (map[string]int64, error) {
	var barSrc, emaSrc []string
	for _, f := range model.Families {
		barSrc = append(barSrc, store.BarTable(f))
		emaSrc = append(emaSrc, store.EmaTable(f))
	}
	out := make(map[string]int64, 2)
	n, err := r.Syncer.Sync(ctx, store.BarsUnified, barSrc, store.BarKey, store.AlignmentSource)
	out[store.BarsUnified] = n
	if err != nil {
		return out, err
	}
	n, err = r.Syncer.Sync(ctx, store.EmaUnified, emaSrc, store.EmaKey, store.AlignmentSource)
	out[store.EmaUnified] = n
	return out, err
}

func (r *Runner) observe(u UnitReport) {
	m := r.Metrics
	if m == nil {
		return
	}
	stage := string(u.Stage)
	m.UnitDuration.WithLabelValues(stage).Observe(u.DurationMs / 1000)
	if u.Failed() {
		m.UnitFailures.WithLabelValues(stage, string(u.Kind)).Inc()
		return
	}
	m.UnitsTotal.WithLabelValues(stage, string(u.Action)).Inc()
	m.RowsWritten.WithLabelValues(u.Table).Add(float64(u.RowsWritten))
	m.RowsDeleted.WithLabelValues(u.Table).Add(float64(u.RowsDeleted))
}

func (r *Runner) finish(report RunReport) {
	if m := r.Metrics; m != nil {
		m.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
		m.LastRunUnix.Set(float64(report.FinishedAt.Unix()))
		m.LastRunFailed.Set(float64(len(report.Failures())))
		for table, n := range report.Synced {
			m.SyncRows.WithLabelValues(table).Add(float64(n))
		}
	}
	if r.Reports != nil && !r.Reports.Push(report) {
		if r.Metrics != nil {
			r.Metrics.RingBufOverflow.Inc()
		}
		slog.Warn("[engine] report ring full, dropping run report", "run_id", report.RunID)
	}
}

// Reset deletes the bar and EMA watermarks of (asset, tf) so the next run
// rebuilds the key from scratch.
func (r *Runner) Reset(ctx context.Context, asset, tf string) error {
	unlock, err := r.locks().Lock(ctx, refresh.Key{Asset: asset, TF: tf}.String())
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.Watermarks.DeleteBar(ctx, asset, tf); err != nil {
		return fmt.Errorf("reset %s/%s: %w", asset, tf, err)
	}
	for _, p := range r.Periods {
		if err := r.Watermarks.DeleteEma(ctx, asset, tf, p); err != nil {
			return fmt.Errorf("reset %s/%s/%d: %w", asset, tf, p, err)
		}
	}
	slog.Info("[engine] watermarks reset", "asset", asset, "tf", tf)
	return nil
}
