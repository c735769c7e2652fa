// Command barengine refreshes multi-timeframe bars and EMAs from the daily
// price series.
//
//	barengine [refresh] [-full] [-asset A] [-tf 3D]
//	barengine import <file.parquet>
//	barengine export [-asset A] <file.parquet>
//	barengine sync
//	barengine serve
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tfbars/config"
	"tfbars/internal/engine"
	"tfbars/internal/gateway"
	"tfbars/internal/logger"
	"tfbars/internal/metrics"
	"tfbars/internal/model"
	"tfbars/internal/notification"
	"tfbars/internal/ringbuf"
	"tfbars/internal/scheduler"
	"tfbars/internal/source"
	"tfbars/internal/store"
	"tfbars/internal/store/postgres"
	redisstore "tfbars/internal/store/redis"
	"tfbars/internal/store/sqlite"
	"tfbars/internal/unify"
	"tfbars/internal/watermark"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.Init("barengine", logger.ParseLevel(cfg.LogLevel))

	cmd, args := "refresh", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cmd, args); err != nil {
		slog.Error("[barengine] "+cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "refresh":
		return runRefresh(ctx, cfg, args)
	case "import":
		return runImport(ctx, cfg, args)
	case "export":
		return runExport(ctx, cfg, args)
	case "sync":
		return runSync(ctx, cfg)
	case "serve":
		return runServe(ctx, cfg)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// app holds the wired stores shared by every subcommand.
type app struct {
	tables  model.TableStore
	series  *source.Series
	wms     model.WatermarkStore
	lister  gateway.WatermarkLister
	redis   *redisstore.WatermarkStore
	probes  []metrics.Probe
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("[barengine] close failed", "error", err)
		}
	}
}

func open(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	// ---- Table store ----
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.PostgresStore())
		if err != nil {
			return nil, err
		}
		a.tables = pg
		a.closers = append(a.closers, pg.Close)
		a.probes = append(a.probes, metrics.Probe{Name: "postgres", Check: pg.Ping})
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		lite, err := sqlite.Open(ctx, cfg.SQLite())
		if err != nil {
			return nil, err
		}
		a.tables = lite
		a.closers = append(a.closers, lite.Close)
		a.probes = append(a.probes, metrics.Probe{Name: "sqlite", Check: lite.DB().PingContext})
	}
	a.series = source.New(a.tables)

	// ---- Watermarks ----
	tableWMs := watermark.New(a.tables)
	a.wms, a.lister = tableWMs, tableWMs
	if cfg.WatermarkBackend == "redis" {
		rs, err := redisstore.New(ctx, cfg.RedisStore())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis, a.wms, a.lister = rs, rs, nil
		a.closers = append(a.closers, rs.Close)
		a.probes = append(a.probes, metrics.Probe{Name: "redis", Check: rs.Ping})
	}
	return a, nil
}

func newRunner(cfg *config.Config, a *app, m *metrics.Metrics, reports *ringbuf.Ring[engine.RunReport]) (*engine.Runner, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	periods, err := cfg.ParsePeriods()
	if err != nil {
		return nil, err
	}
	mode, err := unify.ParseMode(cfg.SyncMode)
	if err != nil {
		return nil, err
	}
	return &engine.Runner{
		Catalog:       cat,
		Source:        a.series,
		Store:         a.tables,
		Watermarks:    a.wms,
		Syncer:        &unify.Syncer{Store: a.tables, Mode: mode},
		Periods:       periods,
		Assets:        cfg.AssetList(),
		CanonicalOnly: cfg.CanonicalOnly,
		Workers:       cfg.Workers,
		Metrics:       m,
		Reports:       reports,
	}, nil
}

func runRefresh(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	full := fs.Bool("full", false, "drop watermarks and rebuild every selected key")
	asset := fs.String("asset", "", "restrict to one asset")
	tf := fs.String("tf", "", "restrict to one timeframe label")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if *asset != "" {
		cfg.Assets = *asset
	}
	if *tf != "" {
		cfg.Timeframes = *tf
	}
	r, err := newRunner(cfg, a, nil, nil)
	if err != nil {
		return err
	}

	if *full {
		assets := cfg.AssetList()
		if len(assets) == 0 {
			if assets, err = a.series.Assets(ctx); err != nil {
				return err
			}
		}
		for _, as := range assets {
			for _, spec := range r.Catalog.ListSpecs("", r.CanonicalOnly) {
				if err := r.Reset(ctx, as, spec.TF); err != nil {
					return err
				}
			}
		}
	}

	report, err := r.Run(ctx)
	if err != nil {
		return err
	}
	for _, u := range report.Failures() {
		slog.Error("[barengine] unit failed", "key", u.Key.String(), "stage", u.Stage, "kind", u.Kind, "error", u.Error)
	}
	return report.Err()
}

func runImport(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: barengine import <file.parquet|file.csv>")
	}
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var n int64
	if filepath.Ext(args[0]) == ".csv" {
		n, err = source.ImportCSV(ctx, a.series, args[0])
	} else {
		n, err = source.ImportParquet(ctx, a.series, args[0])
	}
	if err != nil {
		return err
	}
	slog.Info("[barengine] import complete", "path", args[0], "rows", n)
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	asset := fs.String("asset", "", "export one asset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: barengine export [-asset A] <file.parquet>")
	}
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	assets := config.ParseList(*asset)
	if len(assets) == 0 {
		if assets, err = a.series.Assets(ctx); err != nil {
			return err
		}
	}
	return source.ExportParquet(ctx, a.series, assets, fs.Arg(0))
}

func runSync(ctx context.Context, cfg *config.Config) error {
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	mode, err := unify.ParseMode(cfg.SyncMode)
	if err != nil {
		return err
	}
	s := &unify.Syncer{Store: a.tables, Mode: mode}
	for _, t := range []struct {
		unified string
		table   func(model.Family) string
		pk      []string
	}{
		{store.BarsUnified, store.BarTable, store.BarKey},
		{store.EmaUnified, store.EmaTable, store.EmaKey},
	} {
		var sources []string
		for _, f := range model.Families {
			sources = append(sources, t.table(f))
		}
		n, err := s.Sync(ctx, t.unified, sources, t.pk, store.AlignmentSource)
		if err != nil {
			return err
		}
		slog.Info("[barengine] unified sync complete", "table", t.unified, "rows", n)
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	health.StartLivenessChecker(ctx, cfg.LivenessPeriod, a.probes...)

	if a.redis != nil {
		a.redis.Breaker().OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			slog.Warn("[barengine] redis circuit breaker", "from", from.String(), "to", to.String())
		}
	}

	// ---- Runner ----
	reports := ringbuf.New[engine.RunReport](cfg.ReportHistory)
	runner, err := newRunner(cfg, a, prom, reports)
	if err != nil {
		return err
	}

	// ---- Gateway ----
	hub := gateway.NewHub(cfg.ReportHistory)
	hub.OnClients = func(n int) { prom.WSClients.Set(float64(n)) }

	notifier := notification.New(notification.Config{
		WebhookURL:    cfg.WebhookURL,
		TelegramToken: cfg.TelegramToken,
		TelegramChat:  cfg.TelegramChat,
	})
	sinks := []engine.Sink{engine.HealthSink(health), engine.AlertSink(notifier)}
	if a.redis != nil {
		// Reports go through Redis so every gateway process sees the same stream.
		relay := gateway.NewRelay(a.redis.Client(), gateway.DefaultChannel)
		sinks = append(sinks, engine.RelaySink(relay))
		go func() {
			if err := relay.Run(ctx, hub, nil); err != nil && ctx.Err() == nil {
				slog.Error("[barengine] relay stopped", "error", err)
			}
		}()
	} else {
		sinks = append(sinks, engine.HubSink(hub))
	}
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		engine.Pump(ctx, reports, cfg.PumpInterval, sinks...)
	}()

	srv := metrics.NewServer(cfg.HTTPAddr, health, reg)
	srv.Route(gateway.Routes(hub, a.lister))
	srv.Start()

	// ---- Scheduler ----
	sched := scheduler.New()
	job := engine.RefreshJob{Runner: runner}
	if err := sched.AddJob(cfg.Schedule, job); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	sched.Start()
	go func() {
		if err := sched.RunNow(ctx, job); err != nil {
			slog.Error("[barengine] initial refresh failed", "error", err)
		}
	}()

	slog.Info("[barengine] serving", "addr", cfg.HTTPAddr, "schedule", cfg.Schedule)
	<-ctx.Done()
	slog.Info("[barengine] shutting down")

	sched.Stop()
	<-pumpDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
