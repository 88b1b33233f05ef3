package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the footprint ingestion engine.
type Metrics struct {
	TradesTotal   prometheus.Counter
	CandlesTotal  prometheus.Counter
	WSReconnects  prometheus.Counter
	WSRotations   prometheus.Counter
	DuplicateDrop prometheus.Gauge

	// Gap detection and recovery
	GapsDetected    prometheus.Gauge
	GapsRecovered   prometheus.Gauge
	RESTRateLimited prometheus.Counter

	// Worker pool
	WorkerCrashes    *prometheus.CounterVec // labels: worker
	WorkerInboxDepth *prometheus.GaugeVec   // labels: worker

	// Persistence
	FileSaveDur        prometheus.Histogram
	FileSaveDuplicates prometheus.Counter
	SidecarBuffered    prometheus.Gauge

	// Fan-out backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Redis publisher circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedCandles     prometheus.Counter

	// Candle lag: completion time vs close time
	CandleLag prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_trades_total",
			Help: "Total trades received from venue streams",
		}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_candles_total",
			Help: "Total completed footprint candles emitted",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		WSRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_ws_rotations_total",
			Help: "Planned 24h connection rotations completed",
		}),
		DuplicateDrop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprint_duplicate_trades",
			Help: "Trades dropped as duplicates (at or below the dedup floor), summed over workers",
		}),

		GapsDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprint_gaps_detected",
			Help: "Trade-id gaps observed in venue streams, summed over workers",
		}),
		GapsRecovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprint_gaps_recovered",
			Help: "Gaps backfilled via REST recovery since startup",
		}),
		RESTRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_rest_rate_limited_total",
			Help: "REST recovery batches aborted on HTTP 429",
		}),

		WorkerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprint_worker_crashes_total",
			Help: "Worker panics recovered by the pool (by worker id)",
		}, []string{"worker"}),
		WorkerInboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "footprint_worker_inbox_depth",
			Help: "Pending messages in each worker inbox",
		}, []string{"worker"}),
		FileSaveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "footprint_file_save_duration_seconds",
			Help:    "Period-file append latency per candle",
			Buckets: prometheus.DefBuckets,
		}),
		FileSaveDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_file_save_duplicates_total",
			Help: "Candle saves skipped as duplicates by the file store",
		}),
		SidecarBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprint_sidecar_buffered_batches",
			Help: "Dirty-state batches buffered while the sidecar is unreachable",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprint_fanout_drops_total",
			Help: "Candles dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "footprint_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprint_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprint_redis_buffered_candles_total",
			Help: "Candles buffered locally during Redis circuit-open state",
		}),

		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprint_candle_lag_seconds",
			Help: "Lag between candle close time and emission time",
		}),
	}

	prometheus.MustRegister(
		m.TradesTotal,
		m.CandlesTotal,
		m.WSReconnects,
		m.WSRotations,
		m.DuplicateDrop,
		m.GapsDetected,
		m.GapsRecovered,
		m.RESTRateLimited,
		m.WorkerCrashes,
		m.WorkerInboxDepth,
		m.FileSaveDur,
		m.FileSaveDuplicates,
		m.SidecarBuffered,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedCandles,
		m.CandleLag,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTradeTime  time.Time `json:"last_trade_time"`
	SidecarOK      bool      `json:"sidecar_ok"`
	RedisConnected bool      `json:"redis_connected"`
	FileStoreOK    bool      `json:"file_store_ok"`
	WorkersOK      bool      `json:"workers_ok"`
	Standby        bool      `json:"standby"`
	SymbolCount    int       `json:"symbol_count"`

	// Liveness probe results
	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	SidecarLatencyMs float64   `json:"sidecar_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSidecarOK(v bool) {
	h.mu.Lock()
	h.SidecarOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetFileStoreOK(v bool) {
	h.mu.Lock()
	h.FileStoreOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetWorkersOK(v bool) {
	h.mu.Lock()
	h.WorkersOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStandby(v bool) {
	h.mu.Lock()
	h.Standby = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbolCount(n int) {
	h.mu.Lock()
	h.SymbolCount = n
	h.mu.Unlock()
}

// Pinger is anything with a Ping method; the sidecar client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
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

// CheckSidecar pings the persistence sidecar and records latency + health.
func (h *HealthStatus) CheckSidecar(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SidecarOK = err == nil
	h.SidecarLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sidecar Pinger, interval time.Duration) {
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
				if sidecar != nil {
					h.CheckSidecar(probeCtx, sidecar)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Standby mode runs with no symbols and no stream; the connection being
	// down is expected there.
	overallStatus := "healthy"
	httpCode := http.StatusOK

	wsOK := h.WSConnected || h.Standby
	if !wsOK || !h.SidecarOK || !h.WorkersOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.WorkersOK && !h.SidecarOK {
		overallStatus = "unhealthy"
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		Standby          bool    `json:"standby"`
		WSConnected      bool    `json:"ws_connected"`
		LastTradeTime    string  `json:"last_trade_time"`
		TradeAge         string  `json:"trade_age"`
		SidecarOK        bool    `json:"sidecar_ok"`
		SidecarLatencyMs float64 `json:"sidecar_latency_ms"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		FileStoreOK      bool    `json:"file_store_ok"`
		WorkersOK        bool    `json:"workers_ok"`
		SymbolCount      int     `json:"symbol_count"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		Standby:          h.Standby,
		WSConnected:      h.WSConnected,
		LastTradeTime:    h.LastTradeTime.Format(time.RFC3339),
		TradeAge:         tradeAge,
		SidecarOK:        h.SidecarOK,
		SidecarLatencyMs: h.SidecarLatencyMs,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		FileStoreOK:      h.FileStoreOK,
		WorkersOK:        h.WorkersOK,
		SymbolCount:      h.SymbolCount,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
