package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is any dependency with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus records dependency probes and the stream state.
type HealthStatus struct {
	mu sync.RWMutex

	redis     Pinger // nil when running with the in-memory cache
	tickStore Pinger
	streaming func() bool

	RedisConnected     bool
	RedisLatencyMs     float64
	TickStoreOK        bool
	TickStoreLatencyMs float64
	LastCheckAt        time.Time
	StartedAt          time.Time
}

// NewHealthStatus creates a health status. redis may be nil.
func NewHealthStatus(redis, tickStore Pinger, streaming func() bool) *HealthStatus {
	return &HealthStatus{
		redis:     redis,
		tickStore: tickStore,
		streaming: streaming,
		StartedAt: time.Now(),
	}
}

// Check probes every dependency once.
func (h *HealthStatus) Check(ctx context.Context) {
	var (
		redisOK          bool
		redisMs, storeMs float64
		storeOK          bool
	)
	if h.redis != nil {
		redisOK, redisMs = probe(ctx, h.redis)
	}
	if h.tickStore != nil {
		storeOK, storeMs = probe(ctx, h.tickStore)
	}

	h.mu.Lock()
	h.RedisConnected = redisOK
	h.RedisLatencyMs = redisMs
	h.TickStoreOK = storeOK
	h.TickStoreLatencyMs = storeMs
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

func probe(ctx context.Context, p Pinger) (bool, float64) {
	start := time.Now()
	err := p.Ping(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000.0
}

// StartLivenessChecker checks dependencies once, then every interval in the
// background until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	h.Check(probeCtx)
	cancel()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Check(probeCtx)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz. Any failed dependency makes the service
// "degraded" with a 503.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	redisRequired := h.redis != nil
	if !h.TickStoreOK || (redisRequired && !h.RedisConnected) {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	streaming := false
	if h.streaming != nil {
		streaming = h.streaming()
	}

	status := struct {
		Status             string  `json:"status"`
		Uptime             string  `json:"uptime"`
		Streaming          bool    `json:"streaming"`
		RedisEnabled       bool    `json:"redis_enabled"`
		RedisConnected     bool    `json:"redis_connected"`
		RedisLatencyMs     float64 `json:"redis_latency_ms"`
		TickStoreOK        bool    `json:"tick_store_ok"`
		TickStoreLatencyMs float64 `json:"tick_store_latency_ms"`
		LastCheckAt        string  `json:"last_check_at"`
	}{
		Status:             overall,
		Uptime:             time.Since(h.StartedAt).Round(time.Second).String(),
		Streaming:          streaming,
		RedisEnabled:       redisRequired,
		RedisConnected:     h.RedisConnected,
		RedisLatencyMs:     h.RedisLatencyMs,
		TickStoreOK:        h.TickStoreOK,
		TickStoreLatencyMs: h.TickStoreLatencyMs,
		LastCheckAt:        h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server over gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

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
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
