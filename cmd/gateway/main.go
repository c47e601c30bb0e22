// Command gateway runs C5's HTTP surface: webhook intake (POST
// /api/hooks/{sourceID}) and the WebSocket broadcast bus (GET /ws/connect,
// GET /ws/execution/{execID}), plus a Prometheus /metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/config"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/events"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/metrics"
	"github.com/bifrost-platform/bifrost/internal/queue"
	"github.com/bifrost-platform/bifrost/internal/ws"
)

// wsPollInterval is how often the connected-session gauge is refreshed from
// the in-memory hub.
const wsPollInterval = 15 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
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
	if cfg.Gateway.JWTSecret == "" {
		return fmt.Errorf("gateway.jwt_secret (or BIFROST_JWT_SECRET) is required")
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

	ingress := events.NewIngress(database, cacheClient, in, events.DefaultRegistry, logger)
	webhookHandler := events.NewHTTPHandler(ingress, logger)

	hub := ws.NewHub(cacheClient, logger)
	go hub.Run(ctx)
	go pollConnectedSessions(ctx, hub)

	auth := ws.NewAuthenticator(cfg.Gateway.JWTSecret)
	wsHandler := ws.NewHandler(hub, auth, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/api/hooks/{sourceID}", webhookHandler.HandleWebhook)
	r.Get("/ws/connect", wsHandler.Connect)
	r.Get("/ws/execution/{execID}", wsHandler.ConnectExecution)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("gateway server failed: %w", err)
	}

	logger.Info("gateway shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func pollConnectedSessions(ctx context.Context, hub *ws.Hub) {
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetWSConnectedSessions(hub.ConnectedCount())
		}
	}
}
