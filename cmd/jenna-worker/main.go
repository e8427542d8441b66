/*
Copyright 2025 Jenna Labs.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// jenna-worker runs the full pricing-enrichment service in one process:
// the HTTP API, the three worker pools, the cron scheduler, and the
// lease-recovery sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jennahq/jenna/pkg/auth"
	"github.com/jennahq/jenna/pkg/cache"
	"github.com/jennahq/jenna/pkg/competitor"
	"github.com/jennahq/jenna/pkg/config"
	"github.com/jennahq/jenna/pkg/enrich"
	"github.com/jennahq/jenna/pkg/fetch"
	"github.com/jennahq/jenna/pkg/httpapi"
	"github.com/jennahq/jenna/pkg/index"
	"github.com/jennahq/jenna/pkg/metrics"
	"github.com/jennahq/jenna/pkg/progress"
	"github.com/jennahq/jenna/pkg/queue"
	"github.com/jennahq/jenna/pkg/ratelimit"
	"github.com/jennahq/jenna/pkg/scheduler"
	"github.com/jennahq/jenna/pkg/storage"
	"github.com/jennahq/jenna/pkg/worker"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const (
	leaseTTL            = 2 * time.Minute
	leaseSweepInterval  = time.Minute
	depthSampleInterval = 30 * time.Second
	enrichStartsPerMin  = 10
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWithRegistry("jenna", reg)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	tiered := cache.NewTiered(cache.Config{Redis: rdb, Logger: logger, Metrics: m})
	weather := fetch.NewWeatherClient(fetch.Options{BaseURL: cfg.WeatherAPIURL, Logger: logger, Metrics: m})
	holidays := fetch.NewHolidayClient(fetch.Options{BaseURL: cfg.HolidayAPIURL, Logger: logger, Metrics: m})
	geocoder := fetch.NewGeocodeClient(fetch.Options{BaseURL: cfg.GeocodeAPIURL, Logger: logger, Metrics: m})
	scraper := fetch.NewScraperClient(fetch.Options{BaseURL: cfg.ScraperAPIURL, Logger: logger, Metrics: m})

	q := queue.NewRedis(rdb, leaseTTL, logger)
	defer func() { _ = q.Close() }()
	bus := progress.NewBus(logger, m)

	registry := worker.NewRegistry()

	pipeline := enrich.NewPipeline(store, tiered, weather, holidays, cfg.HolidaysEnabled, logger)
	enrichHandlers := enrich.NewHandlers(pipeline, q, store, cfg.EnableAutoAnalytics, logger)
	enrichHandlers.Geocoder = geocoder
	enrichHandlers.Register(registry)

	engine := index.NewEngine(store, logger)
	index.NewHandlers(engine, q, logger).Register(registry)
	competitor.NewHandlers(store, scraper, q, logger).Register(registry)

	pools := []*worker.Pool{
		worker.NewPool(worker.Options{
			Queue:           queue.QueueEnrichment,
			Concurrency:     cfg.EnrichmentConcurrency,
			JobTimeout:      cfg.JobTimeout,
			StartsPerMinute: enrichStartsPerMin,
		}, q, registry, bus, m, logger),
		worker.NewPool(worker.Options{
			Queue:       queue.QueueCompetitor,
			Concurrency: cfg.CompetitorConcurrency,
			JobTimeout:  cfg.JobTimeout,
		}, q, registry, bus, m, logger),
		worker.NewPool(worker.Options{
			Queue:       queue.QueueAnalytics,
			Concurrency: cfg.AnalyticsConcurrency,
			JobTimeout:  cfg.JobTimeout,
		}, q, registry, bus, m, logger),
	}
	for _, p := range pools {
		p.Start(ctx)
	}

	sched := scheduler.New(q, logger)
	if err := sched.RegisterDefaults(ctx); err != nil {
		return err
	}
	go sched.Run(ctx)
	go leaseSweep(ctx, q, m, logger)
	go sampleDepths(ctx, q, m, logger)

	var sessions auth.SessionVerifier
	if cfg.JWTSecret != "" {
		sessions = auth.NewJWTVerifier(cfg.JWTSecret)
	}
	authn := auth.New(store, sessions, m, logger)
	limiter := ratelimit.New(rdb, m, logger)

	ws := progress.NewWSHandler(bus, q, func(ctx context.Context, token string) (string, error) {
		p, err := authn.Authenticate(ctx, token, "")
		if err != nil {
			return "", err
		}
		return p.UserID, nil
	}, cfg.FrontendURL, logger)

	ready := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	api := httpapi.NewServer(store, q, authn, limiter, ws, ready, httpapi.Options{
		FrontendURL:          cfg.FrontendURL,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		Version:              version,
		MetricsHandler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	for _, p := range pools {
		if err := p.Stop(shutdownCtx); err != nil {
			logger.Warn("pool drain incomplete", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// leaseSweep returns expired leases to waiting so crashed workers never
// strand jobs.
func leaseSweep(ctx context.Context, q queue.Queue, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RecoverLeases(ctx)
			if err != nil {
				logger.Warn("lease recovery failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.LeasesRecovered.WithLabelValues("all").Add(float64(n))
				logger.Info("recovered expired leases", zap.Int("count", n))
			}
		}
	}
}

// sampleDepths exports per-queue depth gauges.
func sampleDepths(ctx context.Context, q queue.Queue, m *metrics.Metrics, logger *zap.Logger) {
	queues := []queue.Name{queue.QueueEnrichment, queue.QueueCompetitor, queue.QueueAnalytics}
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range queues {
				depths, err := q.Depth(ctx, name)
				if err != nil {
					logger.Debug("depth sample failed", zap.String("queue", string(name)), zap.Error(err))
					continue
				}
				for state, n := range depths {
					m.QueueDepth.WithLabelValues(string(name), string(state)).Set(float64(n))
				}
			}
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
