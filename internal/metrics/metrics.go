package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ultrashort/internal/marketdata/bus"
)

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	TicksTotal   prometheus.Counter
	DroppedTicks *prometheus.CounterVec // labels: reason
	WSReconnects prometheus.Counter

	CandlesFinalized prometheus.Counter
	OpenBuckets      prometheus.Gauge
	CandleLag        prometheus.Gauge
	HistoryEvictions prometheus.Counter
	CycleDur         prometheus.Histogram

	IndicatorFetchDur  prometheus.Histogram
	IndicatorErrors    prometheus.Counter
	IndicatorFallbacks prometheus.Counter

	SignalsTotal     *prometheus.CounterVec // labels: pattern
	DuplicateSignals prometheus.Counter

	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name
	SinkFailures         *prometheus.CounterVec // labels: sink
	SinkWriteDur         *prometheus.HistogramVec

	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	NotificationsThrottled   prometheus.Counter

	MarketState prometheus.Gauge // markethours.Phase
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_ticks_total",
			Help: "Ticks accepted by the aggregator",
		}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrashort_dropped_ticks_total",
			Help: "Ticks dropped (malformed, late, channel full)",
		}, []string{"reason"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_ws_reconnects_total",
			Help: "Market feed reconnections",
		}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_candles_finalized_total",
			Help: "Candles handed out by Finalize",
		}),
		OpenBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ultrashort_open_buckets",
			Help: "Candles currently accumulating",
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ultrashort_candle_lag_seconds",
			Help: "Delay between bucket end and finalization of the last candle",
		}),
		HistoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_history_evictions_total",
			Help: "Candles evicted from the per-instrument history window",
		}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ultrashort_cycle_duration_seconds",
			Help:    "Finalize-and-dispatch cycle latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		}),
		IndicatorFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ultrashort_indicator_fetch_duration_seconds",
			Help:    "Indicator provider latency per candle",
			Buckets: prometheus.DefBuckets,
		}),
		IndicatorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_indicator_errors_total",
			Help: "Instrument-cycles skipped because indicators were unavailable",
		}),
		IndicatorFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_indicator_fallbacks_total",
			Help: "Times the primary indicator source failed and the fallback was used",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrashort_signals_total",
			Help: "Signals emitted by pattern",
		}, []string{"pattern"}),
		DuplicateSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_duplicate_signals_total",
			Help: "Signals refused because the candle already produced one",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrashort_fanout_drops_total",
			Help: "Values dropped by a fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ultrashort_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrashort_sink_failures_total",
			Help: "Failed sink writes",
		}, []string{"sink"}),
		SinkWriteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ultrashort_sink_write_duration_seconds",
			Help:    "Sink write latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ultrashort_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ultrashort_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		NotificationsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ultrashort_notifications_throttled_total",
			Help: "Notifications dropped by the rate limiter",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ultrashort_market_state",
			Help: "Market session phase (0=closed, 1=open, 2=pre-open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.WSReconnects,
		m.CandlesFinalized,
		m.OpenBuckets,
		m.CandleLag,
		m.HistoryEvictions,
		m.CycleDur,
		m.IndicatorFetchDur,
		m.IndicatorErrors,
		m.IndicatorFallbacks,
		m.SignalsTotal,
		m.DuplicateSignals,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.SinkFailures,
		m.SinkWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.NotificationsThrottled,
		m.MarketState,
	)
	return m
}

// ReportSaturation records the fill level of each fan-out subscriber under
// "{prefix}:{subscriber}".
func (m *Metrics) ReportSaturation(prefix string, stats []bus.ChannelStat) {
	for _, s := range stats {
		if s.Cap == 0 {
			continue
		}
		m.ChannelSaturationPct.WithLabelValues(prefix + ":" + s.Name).Set(float64(s.Len) / float64(s.Cap) * 100)
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastTickTime   time.Time
	LastCycleTime  time.Time
	RedisEnabled   bool
	RedisConnected bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCycleTime(t time.Time) {
	h.mu.Lock()
	h.LastCycleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Report is the JSON body of /healthz.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	WSConnected     bool    `json:"ws_connected"`
	LastTickTime    string  `json:"last_tick_time,omitempty"`
	TickAge         string  `json:"tick_age,omitempty"`
	LastCycleTime   string  `json:"last_cycle_time,omitempty"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
}

// Snapshot builds the current health report.
//
// Status is "healthy" when the feed and SQLite are up (and Redis, if
// enabled), "unhealthy" when SQLite is down, "degraded" otherwise.
func (h *HealthStatus) Snapshot() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if !h.WSConnected || (h.RedisEnabled && !h.RedisConnected) {
		status = "degraded"
	}
	if !h.SQLiteOK {
		status = "unhealthy"
	}

	r := Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		r.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		r.TickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	if !h.LastCycleTime.IsZero() {
		r.LastCycleTime = h.LastCycleTime.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server backed by gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
