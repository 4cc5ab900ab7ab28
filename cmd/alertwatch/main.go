// Command alertwatch tails the stock sync alert exchange and writes every alert to the log
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/alerting"
	"github.com/Guizzs26/go-sync-stock/internal/broker"
	"github.com/Guizzs26/go-sync-stock/internal/config"
	"github.com/Guizzs26/go-sync-stock/pkg/infra"
)

func main() {
	binding := flag.String("binding", "alert.#", "routing key pattern, e.g. alert.sync_failure")
	flag.Parse()

	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	if cfg.RabbitMQURL == "" {
		logger.Error("CRITICAL: RABBITMQ_URL environment variable is missing")
		infra.CloseLogger()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := alerting.LogSink{Logger: logger}
	handle := func(ctx context.Context, a alerting.Alert) error {
		return sink.Deliver(ctx, a)
	}

	connBackoff := infra.NewBackoff(time.Second, time.Minute, 2.0, 500*time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Shutdown signal received")
			return
		default:
		}

		sub, err := broker.NewAlertSubscriber(cfg.RabbitMQURL, cfg.AlertExchange, *binding, logger)
		if err != nil {
			wait := connBackoff.Next()
			logger.Error("RabbitMQ connection failed, retrying...", "wait_duration", wait, "error", err)
			if infra.Sleep(ctx, wait) != nil {
				return
			}
			continue
		}

		connBackoff.Reset()
		logger.Info("✅ Connected to broker. Watching alerts...", "exchange", cfg.AlertExchange)

		if err := sub.Listen(ctx, handle); err != nil {
			logger.Error("⚠️ Alert subscription lost", "error", err)
		}
		sub.Close()
	}
}
