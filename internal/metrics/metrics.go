package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the refresh engine.
type Metrics struct {
	// Unit outcomes (labels: stage=bars|ema, action)
	UnitsTotal   *prometheus.CounterVec
	UnitFailures *prometheus.CounterVec // labels: stage, kind
	UnitDuration *prometheus.HistogramVec

	// Row traffic per table
	RowsWritten *prometheus.CounterVec
	RowsDeleted *prometheus.CounterVec
	SyncRows    *prometheus.CounterVec // labels: unified

	// Whole runs
	RunDuration   prometheus.Histogram
	LastRunUnix   prometheus.Gauge
	LastRunFailed prometheus.Gauge

	// Circuit breaker on the Redis watermark backend
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Report fan-out
	RingBufOverflow prometheus.Counter
	WSClients       prometheus.Gauge
}

// NewMetrics registers and returns all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_units_total",
			Help: "Refresh units executed by stage and action",
		}, []string{"stage", "action"}),
		UnitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_unit_failures_total",
			Help: "Failed refresh units by stage and error kind",
		}, []string{"stage", "kind"}),
		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "barengine_unit_duration_seconds",
			Help:    "Refresh unit latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"stage"}),

		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_rows_written_total",
			Help: "Rows upserted by table",
		}, []string{"table"}),
		RowsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_rows_deleted_total",
			Help: "Rows deleted before re-derivation by table",
		}, []string{"table"}),
		SyncRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_sync_rows_total",
			Help: "Rows copied into unified tables",
		}, []string{"unified"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barengine_run_duration_seconds",
			Help:    "Duration of a full refresh run",
			Buckets: prometheus.DefBuckets,
		}),
		LastRunUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_last_run_timestamp_seconds",
			Help: "Completion time of the last refresh run",
		}),
		LastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_last_run_failed_units",
			Help: "Failed units in the last refresh run",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_ringbuf_overflow_total",
			Help: "Run reports dropped because the report ring was full",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_ws_clients",
			Help: "Connected WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.UnitsTotal,
		m.UnitFailures,
		m.UnitDuration,
		m.RowsWritten,
		m.RowsDeleted,
		m.SyncRows,
		m.RunDuration,
		m.LastRunUnix,
		m.LastRunFailed,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RingBufOverflow,
		m.WSClients,
	)

	return m
}

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeResult struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	probes      map[string]probeResult
	LastRunAt   time.Time `json:"last_run_at"`
	LastRunID   string    `json:"last_run_id"`
	LastFailed  int       `json:"last_failed"`
	LastCheckAt time.Time `json:"last_check_at"`
	StartedAt   time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		probes:    make(map[string]probeResult),
		StartedAt: time.Now(),
	}
}

// SetLastRun records the outcome of the latest refresh run.
func (h *HealthStatus) SetLastRun(id string, at time.Time, failed int) {
	h.mu.Lock()
	h.LastRunID = id
	h.LastRunAt = at
	h.LastFailed = failed
	h.mu.Unlock()
}

// Check runs one probe and records latency + health.
func (h *HealthStatus) Check(ctx context.Context, p Probe) {
	start := time.Now()
	err := p.Check(ctx)
	latency := time.Since(start)

	res := probeResult{OK: err == nil, LatencyMs: float64(latency.Microseconds()) / 1000.0}
	if err != nil {
		res.Error = err.Error()
	}
	h.mu.Lock()
	h.probes[p.Name] = res
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration, probes ...Probe) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		for _, p := range probes {
			h.Check(probeCtx, p)
		}
	}
	check()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	down := 0
	for _, p := range h.probes {
		if !p.OK {
			down++
		}
	}
	switch {
	case down > 0 && down == len(h.probes):
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	case down > 0 || h.LastFailed > 0:
		overallStatus = "degraded"
		if down > 0 {
			httpCode = http.StatusServiceUnavailable
		}
	}

	lastRun := ""
	if !h.LastRunAt.IsZero() {
		lastRun = h.LastRunAt.Format(time.RFC3339)
	}

	status := struct {
		Status      string                 `json:"status"`
		Uptime      string                 `json:"uptime"`
		Probes      map[string]probeResult `json:"probes"`
		LastRunID   string                 `json:"last_run_id,omitempty"`
		LastRunAt   string                 `json:"last_run_at,omitempty"`
		LastFailed  int                    `json:"last_failed_units"`
		LastCheckAt string                 `json:"last_check_at"`
	}{
		Status:      overallStatus,
		Uptime:      time.Since(h.StartedAt).Round(time.Second).String(),
		Probes:      h.probes,
		LastRunID:   h.LastRunID,
		LastRunAt:   lastRun,
		LastFailed:  h.LastFailed,
		LastCheckAt: h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics, /healthz and any routes
// mounted by the caller.
type Server struct {
	router *chi.Mux
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer defaults to the
// default Prometheus registry when nil.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/healthz", health)

	return &Server{
		router: r,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Route mounts extra routes on the server's router.
func (s *Server) Route(fn func(r chi.Router)) {
	s.router.Group(fn)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("[metrics] server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("[metrics] server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs HTTP requests.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("[http] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
