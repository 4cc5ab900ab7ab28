package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-sync-stock/internal/alerting"
	"github.com/Guizzs26/go-sync-stock/internal/broker"
	"github.com/Guizzs26/go-sync-stock/internal/config"
	"github.com/Guizzs26/go-sync-stock/internal/db"
	"github.com/Guizzs26/go-sync-stock/internal/metricstore"
	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/internal/monitor"
	"github.com/Guizzs26/go-sync-stock/internal/server"
	"github.com/Guizzs26/go-sync-stock/internal/service"
	"github.com/Guizzs26/go-sync-stock/internal/transport"
	"github.com/Guizzs26/go-sync-stock/pkg/encoding"
	"github.com/Guizzs26/go-sync-stock/pkg/infra"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Configuration & Logger Initialization
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	logger.Info("🔧 Initializing stock sync service...",
		"driver", cfg.SourceDriver,
		"endpoint", cfg.SyncEndpoint,
		"pid", os.Getpid(),
	)

	// Graceful shutdown on SIGINT (Ctrl+C) or SIGTERM (Docker stop)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := db.Open(ctx, cfg.SourceDriver, cfg.SourceDSN, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to source database", "error", err)
		return 1
	}
	defer src.Close()

	catalog := db.NewCatalog(src, encoding.NewDecoder(cfg.SourceCharset), cfg.QueryTimeout, cfg.KeyChunkSize, logger)
	changeLog := db.NewChangeLog(src, cfg.QueryTimeout, cfg.KeyChunkSize, logger)

	loadMonitor := monitor.NewLoadMonitor(monitor.Policy{
		BaseInterval:      cfg.PollInterval,
		MinInterval:       cfg.MinInterval,
		MaxInterval:       cfg.MaxInterval,
		MemoryThresholdMB: cfg.MemoryThresholdMB,
	}, cfg.CPUThreshold, monitor.ProcSampler{}, catalog, logger)

	sender := transport.NewClient(transport.Options{
		Endpoint:             cfg.SyncEndpoint,
		AuthHeader:           cfg.AuthHeader,
		AuthToken:            cfg.AuthToken,
		Timeout:              cfg.HTTPTimeout,
		MaxRetries:           cfg.MaxRetries,
		BaseDelay:            cfg.RetryBaseDelay,
		CompressionEnabled:   cfg.CompressionEnabled,
		CompressionThreshold: cfg.CompressionThreshold,
	}, nil, logger)

	// Alerts always reach the log; the broker is an optional second sink
	sinks := []alerting.Sink{alerting.LogSink{Logger: logger}}
	if cfg.RabbitMQURL != "" {
		publisher, err := broker.NewAlertPublisher(cfg.RabbitMQURL, cfg.AlertExchange, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, alerts will only be logged", "error", err)
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}
	alerter := alerting.NewAlerter(thresholds(cfg), cfg.AlertCooldown, logger, sinks...)

	store := metricstore.New(cfg.MetricsMaxSamples, cfg.MetricsRetention, logger)

	syncService := service.NewSyncService(
		service.OptionsFromConfig(cfg),
		changeLog, catalog, sender, loadMonitor, alerter, store, logger,
	)

	deps := server.Deps{
		Scheduler: syncService,
		Metrics:   store,
		Alerts:    alerter,
		Load:      loadMonitor,
	}
	if cfg.ChangeTrackingEnabled {
		deps.Cursor = changeLog
	}
	observability := server.NewObservability(cfg.ObservabilityAddr, deps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncService.Run(gctx)
	})
	g.Go(func() error {
		store.Run(gctx, cfg.MetricsEvictInterval)
		return nil
	})
	g.Go(func() error {
		// A dead dashboard must not stop the sync loop
		if err := observability.Run(gctx); err != nil {
			logger.Warn("Observability server stopped with error", "error", err)
		}
		return nil
	})

	logger.Info("🚀 Stock sync is running")

	if err := g.Wait(); err != nil {
		logger.Error("❌ Sync loop stopped on a failed cycle", "error", err)
		return 1
	}

	logger.Info("✅ Stock sync shut down successfully")
	return 0
}

func thresholds(cfg *config.Config) alerting.Thresholds {
	return alerting.Thresholds{
		models.MetricCPUPercent:    cfg.CPUThreshold,
		models.MetricMemoryMB:      cfg.MemoryThresholdMB,
		models.MetricRetrievalMs:   float64(cfg.QueryTimeThreshold.Milliseconds()),
		models.MetricQueueSize:     float64(cfg.QueueThreshold),
		models.MetricFailedBatches: 0,
	}
}
