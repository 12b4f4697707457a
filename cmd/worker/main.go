// Package main runs the background worker: expiry sweeps, reconciliation,
// outbox delivery to Kafka and table housekeeping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pharmstock/internal/bootstrap"
	"pharmstock/internal/config"
	"pharmstock/internal/infrastructure/messaging/kafka"
	"pharmstock/internal/infrastructure/metrics"
	"pharmstock/internal/infrastructure/storage/postgres"
	"pharmstock/internal/worker"
	"pharmstock/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Development(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	if cfg.App.StorageDriver != config.DriverPostgres {
		log.Fatalw("worker requires the postgres storage driver", "storage", cfg.App.StorageDriver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	components, err := bootstrap.Build(ctx, cfg, m)
	if err != nil {
		log.Fatalw("failed to initialize storage", "error", err)
	}
	defer components.Close()

	w := worker.New(log)

	stockJobs := worker.NewStockJobs(components.Service, components.Directory)
	w.Add(worker.Job{Name: "expiry_sweep", Interval: cfg.Worker.ExpirySweepInterval, Run: stockJobs.SweepExpired})
	w.Add(worker.Job{Name: "reconcile", Interval: cfg.Worker.ReconcileInterval, Run: stockJobs.ReconcileAll})

	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("KAFKA_BROKERS not set, outbox relay disabled")
	} else {
		publisher := kafka.NewPublisher(kafka.NewWriter(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}), m)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warnw("failed to close kafka writer", "error", err)
			}
		}()

		relay := postgres.NewOutboxRelay(components.TxManager, cfg.Worker.OutboxBatchSize, publisher)
		outboxJobs := worker.NewOutboxJobs(relay, components.TxManager, cfg.Worker.OutboxRetention)
		w.Add(worker.Job{Name: "outbox_relay", Interval: cfg.Worker.OutboxPollInterval, Run: outboxJobs.Relay})
		w.Add(worker.Job{Name: "outbox_maintenance", Interval: cfg.Worker.CleanupInterval, Run: outboxJobs.Maintain})
		log.Infow("outbox relay enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	if components.Idempotency != nil {
		w.Add(worker.Job{
			Name:     "idempotency_cleanup",
			Interval: cfg.Worker.CleanupInterval,
			Run:      worker.CleanupIdempotency(components.Idempotency),
		})
	}

	w.Run(ctx)
}
