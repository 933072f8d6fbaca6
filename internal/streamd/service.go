// Package streamd wires the tick stream service: tick store, history cache,
// EMA calculator, stream controller, broadcast hub and the HTTP surfaces.
package streamd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"tickstream/config"
	"tickstream/internal/gateway"
	"tickstream/internal/indicator"
	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/model"
	"tickstream/internal/registry"
	"tickstream/internal/runs"
	"tickstream/internal/store/memory"
	"tickstream/internal/store/postgres"
	redisstore "tickstream/internal/store/redis"
	"tickstream/internal/store/sqlite"
	"tickstream/internal/stream"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options overrides process-wide defaults, mainly for tests.
type Options struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Service owns every long-lived component of the stream service.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	prom     *metrics.Metrics
	gatherer prometheus.Gatherer
	health   *metrics.HealthStatus

	rdb    *goredis.Client
	source model.TickSource
	cache  model.HistoryCache

	ctrl    *stream.Controller
	hub     *gateway.Hub
	gateway *gateway.Server
}

// New connects to the configured stores and builds the component graph.
// Nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	svc := &Service{
		cfg:      cfg,
		log:      logger.OrDefault(opts.Logger),
		prom:     metrics.NewMetrics(opts.Registerer),
		gatherer: opts.Gatherer,
	}

	var err error
	if cfg.NeedsRedis() {
		svc.rdb, err = redisstore.NewClient(cfg.Redis.Client())
		if err != nil {
			return nil, err
		}
	}

	if svc.source, err = openTickSource(ctx, cfg); err != nil {
		svc.closeStores()
		return nil, err
	}

	var (
		redisPing metrics.Pinger
		params    model.ParameterStore
		mirror    stream.Mirror
	)
	switch cfg.CacheBackend {
	case config.CacheRedis:
		c := redisstore.NewCache(svc.rdb, cfg.CacheMaxLength)
		c.Breaker().OnStateChange = func(from, to redisstore.State) {
			svc.log.Warn("redis breaker transition", "from", from.String(), "to", to.String())
			svc.prom.SetBreakerState(int(to))
		}
		svc.cache = c
		redisPing = c
	default:
		svc.cache = memory.NewCache(cfg.CacheMaxLength)
	}
	if svc.rdb != nil {
		params = redisstore.NewParamStore(svc.rdb)
		if cfg.CacheBackend != config.CacheRedis {
			redisPing = pingFunc(func(ctx context.Context) error { return svc.rdb.Ping(ctx).Err() })
		}
	}
	if cfg.Redis.Mirror {
		mirror = redisstore.NewMirror(svc.rdb)
	}

	calc := indicator.NewCalculator(svc.cache, params)
	svc.hub = gateway.NewHub(svc.prom, svc.log)
	svc.ctrl = stream.New(stream.Config{
		Source:     svc.source,
		Cache:      svc.cache,
		Indicators: calc,
		Sink:       svc.hub,
		Mirror:     mirror,
		Metrics:    svc.prom,
		Logger:     svc.log,
	})

	runSvc := runs.NewService(svc.ctrl, svc.source, svc.cache, registry.New(), svc.log)
	svc.gateway = gateway.NewServer(svc.hub, runSvc, svc.cache, calc, gateway.Options{
		DefaultInterval:  cfg.DefaultIntervalSeconds,
		SubscriberBuffer: cfg.SubscriberBuffer,
		TOTPSecret:       cfg.ControlTOTPSecret,
		Logger:           svc.log,
	})
	svc.health = metrics.NewHealthStatus(redisPing, svc.source, svc.ctrl.Running)
	svc.health.Check(ctx)

	svc.log.Info("service initialised",
		"cache", cfg.CacheBackend,
		"tick_store", cfg.TickStore,
		"mirror", cfg.Redis.Mirror,
		"control_guarded", cfg.ControlTOTPSecret != "",
	)
	return svc, nil
}

func openTickSource(ctx context.Context, cfg *config.Config) (model.TickSource, error) {
	switch cfg.TickStore {
	case config.StorePostgres:
		st, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		r, err := sqlite.NewReader(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler is the public HTTP surface (websocket feed and REST control).
func (svc *Service) Handler() http.Handler { return svc.gateway.Handler() }

// MetricsHandler serves /metrics and /healthz.
func (svc *Service) MetricsHandler() http.Handler {
	return metrics.NewServer("", svc.gatherer, svc.health).Handler()
}

// Controller exposes the stream controller.
func (svc *Service) Controller() *stream.Controller { return svc.ctrl }

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (svc *Service) Run(ctx context.Context) error {
	metricsSrv := metrics.NewServer(svc.cfg.MetricsAddr, svc.gatherer, svc.health)
	metricsSrv.Start()
	svc.health.StartLivenessChecker(ctx, healthInterval)

	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		svc.log.Info("http listening", "addr", svc.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	svc.log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	svc.ctrl.Stop()
	if err := srv.Shutdown(shutCtx); err != nil {
		svc.log.Warn("http shutdown", "error", err)
	}
	svc.hub.CloseAll()
	if err := metricsSrv.Stop(shutCtx); err != nil {
		svc.log.Warn("metrics shutdown", "error", err)
	}
	svc.Close()
	svc.log.Info("shutdown complete")
	return runErr
}

// Close stops the controller and releases store connections.
func (svc *Service) Close() {
	svc.ctrl.Stop()
	svc.closeStores()
}

func (svc *Service) closeStores() {
	if svc.source != nil {
		if err := svc.source.Close(); err != nil {
			svc.log.Warn("tick store close", "error", err)
		}
		svc.source = nil
	}
	if svc.rdb != nil {
		svc.rdb.Close()
		svc.rdb = nil
	}
}
