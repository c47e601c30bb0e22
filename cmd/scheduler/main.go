// Command scheduler runs C4: the periodic maintenance jobs (stuck execution
// and delivery sweeps, retention cleanup, schedule dispatch, OAuth token and
// webhook renewal, ROI metrics, knowledge-storage snapshots) plus the
// on-demand git-op dispatcher, guarded by a singleton Redis lock so only one
// replica executes ticks at a time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/config"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/gitops"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/metrics"
	"github.com/bifrost-platform/bifrost/internal/queue"
	"github.com/bifrost-platform/bifrost/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("scheduler exited with error", "error", err)
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
	in := intake.New(cacheClient, queue.QueuePublisher{Channels: channels}, cfg.RabbitMQ.ExecutionQueue)

	gitExec := gitops.NewExecutor(cacheClient, logger)

	ownerID, err := os.Hostname()
	if err != nil || ownerID == "" {
		ownerID = fmt.Sprintf("scheduler-%d", os.Getpid())
	}
	sched, err := scheduler.New(cacheClient, ownerID, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.EnableOndemandDispatch(gitExec)

	refresher := scheduler.HTTPRefreshTokenGrant{
		Endpoints:    cfg.OAuth.Endpoints,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
	}

	jobs := []scheduler.Job{
		scheduler.NewStuckExecutionSweeper(database, cacheClient, logger),
		scheduler.NewStuckDeliveryCleanup(database, logger),
		scheduler.NewEventRetentionCleanup(database, logger),
		scheduler.NewMetricsSnapshotJob(database, logger),
		scheduler.NewScheduleProcessor(database, in, logger),
		scheduler.NewTokenRefreshJob(database, refresher, logger),
		scheduler.NewWebhookRenewalJob(database, scheduler.NoopWebhookRenewer{}, logger),
		scheduler.NewKnowledgeStorageJob(database, logger),
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}

	sched.Start(ctx)

	healthSrv := &http.Server{Addr: ":9090", Handler: metrics.Handler()}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("scheduler metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("scheduler shutting down")
	_ = healthSrv.Close()
	return sched.Stop()
}
