// Command bifrostctl is the fabric's operator CLI: submit a workflow
// execution from outside the gateway's HTTP surface, and check that every
// backing service (Postgres, Redis, RabbitMQ) a process depends on is
// reachable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/config"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/queue"
)

// Version is set via ldflags at release build time.
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "bifrostctl",
		Short:   "Operator CLI for the Bifrost execution fabric",
		Version: Version,
	}
	root.AddCommand(newSubmitCmd(), newHealthCmd())
	return root
}

func newSubmitCmd() *cobra.Command {
	var (
		workflowID string
		orgID      string
		params     string
		sync       bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow execution and optionally wait for its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID, err := uuid.Parse(workflowID)
			if err != nil {
				return fmt.Errorf("--workflow-id: %w", err)
			}

			var parameters map[string]any
			if params != "" {
				if err := json.Unmarshal([]byte(params), &parameters); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}

			cfg, err := config.NewLoader(nil).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cacheClient, err := cache.New(cfg.Redis.URL, slog.Default())
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer cacheClient.Close()

			conns := queue.NewConnectionPool(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxConnections, slog.Default())
			defer conns.Close()
			channels := queue.NewChannelPool(conns, cfg.RabbitMQ.MaxChannels)
			in := intake.New(cacheClient, queue.QueuePublisher{Channels: channels}, cfg.RabbitMQ.ExecutionQueue)

			req := intake.Request{WorkflowID: &wfID, Parameters: parameters, Sync: sync}
			if orgID != "" {
				parsedOrg, err := uuid.Parse(orgID)
				if err != nil {
					return fmt.Errorf("--org-id: %w", err)
				}
				req.OrganizationID = &parsedOrg
			}

			ctx := cmd.Context()
			if !sync {
				execID, err := in.Submit(ctx, req)
				if err != nil {
					return fmt.Errorf("submit execution: %w", err)
				}
				fmt.Println(execID)
				return nil
			}

			execID, result, err := in.SubmitAndWait(ctx, req, timeout)
			if err != nil {
				return fmt.Errorf("submit execution: %w", err)
			}
			fmt.Printf("execution %s\n", execID)
			body, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "workflow id to execute")
	cmd.Flags().StringVar(&orgID, "org-id", "", "organization id scoping the run")
	cmd.Flags().StringVar(&params, "params", "", "JSON object of workflow parameters")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the execution's terminal result")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for a --sync result")
	_ = cmd.MarkFlagRequired("workflow-id")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to every backing service the fabric depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			database, err := db.New(db.Config{DSN: cfg.Postgres.URL, Logger: slog.Default()})
			if err != nil {
				fmt.Println("postgres: FAIL", err)
			} else {
				defer database.Close()
				if err := database.Ping(ctx); err != nil {
					fmt.Println("postgres: FAIL", err)
				} else {
					fmt.Println("postgres: OK")
				}
			}

			cacheClient, err := cache.New(cfg.Redis.URL, slog.Default())
			if err != nil {
				fmt.Println("redis: FAIL", err)
			} else {
				defer cacheClient.Close()
				if err := cacheClient.Ping(ctx); err != nil {
					fmt.Println("redis: FAIL", err)
				} else {
					fmt.Println("redis: OK")
				}
			}

			conns := queue.NewConnectionPool(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxConnections, slog.Default())
			defer conns.Close()
			if _, err := conns.Acquire(ctx); err != nil {
				fmt.Println("rabbitmq: FAIL", err)
			} else {
				fmt.Println("rabbitmq: OK")
			}
			return nil
		},
	}
}
