package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busload/internal/alerts"
	"busload/internal/api"
	"busload/internal/config"
	"busload/internal/db"
	"busload/internal/demand"
	"busload/internal/dispatch"
	"busload/internal/forecast"
	"busload/internal/metrics"
	"busload/internal/publisher"
	"busload/internal/refresh"
	"busload/internal/store"
	"busload/internal/tracking"
	"busload/internal/transit"
)

// backend is what every service needs from storage; both the PostgreSQL
// store and the in-memory store satisfy it.
type backend interface {
	alerts.Store
	dispatch.Store
	tracking.Store
	demand.Store
	forecast.StopProvider
	forecast.DemandSource
}

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, ready, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage setup failed", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RefreshInterval, cfg.DefaultCapacity)
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		go func() {
			<-ctx.Done()
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Operator dashboards get every event over /api/stream; NATS is optional
	hub := api.NewHub(logger)
	defer hub.Close()
	events := transit.Emitters{hub}
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(publisher.Options{
			URL:           cfg.NATSURL,
			StreamName:    cfg.NATSStreamName,
			JetStream:     cfg.NATSJetStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			LogSubjects:   cfg.LogNATSSubjects,
		}, wrapPublisherMetrics(mcol), logger)
		if err != nil {
			logger.Error("nats error", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		events = append(events, pub)
	} else {
		logger.Info("NATS_URL not set, events go to /api/stream only")
	}

	stops := store.NewStopCache(st, cfg.StopCacheSize, cfg.StopCacheTTL)
	operator := forecast.OperatorPolicy(cfg.ForecastStatuses)
	engine := forecast.NewEngine(stops, st, st, cfg.DefaultCapacity, mcol, logger)
	synth := alerts.NewSynthesizer(st, engine, alerts.Options{Policy: operator, TTL: cfg.AlertTTL, Location: cfg.Location}, events, mcol, logger)
	tracker := tracking.NewTracker(st, events, mcol, logger)

	if pub != nil {
		unsubscribe, err := pub.SubscribeDriverReports(ctx, tracker)
		if err != nil {
			logger.Error("subscribe driver reports", "error", err)
			os.Exit(1)
		}
		defer unsubscribe()
	}

	// Background alert refresh, disabled when REFRESH_INTERVAL_SEC is 0
	mgr := refresh.NewManager(synth, cfg.RefreshInterval, cfg.Location, logger)
	mgr.StartRefresher(ctx)

	srv := api.NewServer(api.Services{
		Forecast:       engine,
		Alerts:         synth,
		Dispatch:       dispatch.NewResolver(st, events, mcol, logger),
		Trips:          tracker,
		Demand:         demand.NewService(st, synth, logger),
		OperatorPolicy: operator,
		WhatIfPolicy:   forecast.WhatIfPolicy(cfg.WhatIfStatuses),
		Location:       cfg.Location,
		Ready:          ready,
		Stream:         hub,
	}, logger)
	if err := srv.Start(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("http server error", "error", err)
	}

	// Allow graceful shutdown
	cancel()
	mgr.Stop()
	logger.Info("shutdown complete")
}

// openBackend returns the configured store, a readiness check and a close func.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(context.Context) error, func(), error) {
	if cfg.Store == config.StoreMemory {
		mem := store.NewMemory()
		if cfg.SeedFile != "" {
			if err := store.LoadFixtureFile(mem, cfg.SeedFile); err != nil {
				return nil, nil, nil, err
			}
			logger.Info("memory store seeded", "file", cfg.SeedFile)
		}
		return mem, nil, func() {}, nil
	}

	dsn := cfg.DatabaseURL
	if cfg.DBName != "" {
		var err error
		if dsn, err = db.WithDBName(dsn, cfg.DBName); err != nil {
			return nil, nil, nil, err
		}
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, nil, err
	}
	if cfg.Migrate {
		err = db.EnsureSchema(ctx, sqlDB)
	} else {
		err = db.VerifySchema(ctx, sqlDB)
	}
	if err != nil {
		sqlDB.Close()
		return nil, nil, nil, err
	}
	if cfg.SeedFile != "" {
		logger.Warn("SEED_FILE only applies to STORE=memory, ignoring", "file", cfg.SeedFile)
	}
	pg := db.NewStore(sqlDB)
	ready := func(ctx context.Context) error { return db.Ping(ctx, sqlDB) }
	return pg, ready, func() { _ = pg.Close() }, nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
func (p *pubMetrics) DriverReportInc(kind, result string) {
	p.c.DriverReports.WithLabelValues(kind, result).Inc()
}
