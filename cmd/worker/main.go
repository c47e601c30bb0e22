// Command worker runs the C3 execution-queue consumer: it claims dispatch
// messages off the execution queue, runs each through the pipeline, and
// persists the terminal outcome.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/config"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/events"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/pool"
	"github.com/bifrost-platform/bifrost/internal/queue"
	"github.com/bifrost-platform/bifrost/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.New(db.Config{DSN: cfg.Postgres.URL, Logger: logger})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	cacheClient, err := cache.New(cfg.Redis.URL, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cacheClient.Close()

	conns := queue.NewConnectionPool(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxConnections, logger)
	defer conns.Close()
	channels := queue.NewChannelPool(conns, cfg.RabbitMQ.MaxChannels)

	source, err := queue.NewAMQPSource(ctx, conns, cfg.RabbitMQ.ExecutionQueue, cfg.Worker.Prefetch, logger)
	if err != nil {
		return fmt.Errorf("open execution queue source: %w", err)
	}
	defer source.Close()

	runner := pool.NewSubprocessRunner(cfg.Worker.Interpreter, cfg.Worker.ScratchDir)
	execPool := pool.New(runner, cfg.Worker.MaxConcurrency, logger)

	in := intake.New(cacheClient, queue.QueuePublisher{Channels: channels}, cfg.RabbitMQ.ExecutionQueue)
	ingress := events.NewIngress(database, cacheClient, in, events.DefaultRegistry, logger)

	workerCfg := worker.Config{
		QueueName:      cfg.RabbitMQ.ExecutionQueue,
		Prefetch:       cfg.Worker.Prefetch,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		SyncMargin:     cfg.Worker.SyncMargin,
		DefaultTimeout: cfg.Worker.DefaultTimeout,
	}
	consumer, err := worker.NewConsumer(workerCfg, worker.Dependencies{
		Source: source,
		Cache:  cacheClient,
		DB:     database,
		Pool:   execPool,
		Events: ingress,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	logger.Info("worker started", "queue", cfg.RabbitMQ.ExecutionQueue, "max_concurrency", cfg.Worker.MaxConcurrency)

	<-ctx.Done()
	logger.Info("worker shutting down")
	if err := consumer.Stop(30 * time.Second); err != nil {
		logger.Warn("consumer did not drain cleanly", "error", err)
	}
	return nil
}
