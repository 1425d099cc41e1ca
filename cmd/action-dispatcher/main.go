package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayops/actionqueue/pkg/api"
	"github.com/relayops/actionqueue/pkg/broker"
	"github.com/relayops/actionqueue/pkg/config"
	"github.com/relayops/actionqueue/pkg/dispatch"
	"github.com/relayops/actionqueue/pkg/executor"
	"github.com/relayops/actionqueue/pkg/queue"
	"github.com/relayops/actionqueue/pkg/store"
	"github.com/relayops/actionqueue/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/action-dispatcher")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	// Initialize the action store
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}

	// Register executors. The notification executor only comes up when a
	// broker is configured; webhook delivery always works.
	registry := executor.NewRegistry()
	webhook := executor.NewWebhookExecutor()
	registry.Register("api_call", "", webhook)
	registry.Register("trigger_webhook", "", webhook)

	if cfg.Broker.Type != "" {
		msgBroker, err := broker.NewBroker(ctx, &cfg.Broker)
		if err != nil {
			log.Fatal("Failed to initialize broker: ", err)
		}
		defer msgBroker.Close()
		registry.Register("send_notification", "", executor.NewNotifyExecutor(msgBroker))
	}

	dispatcher := dispatch.NewDispatcher(repo, registry, cfg.Queue)
	sweeper := dispatch.NewSweeper(repo, cfg.Queue.SweepInterval)

	service := queue.NewService(repo, queue.Defaults{
		Priority:    cfg.Queue.DefaultPriority,
		MaxAttempts: cfg.Queue.DefaultMaxAttempts,
		Backoff:     cfg.Queue.DefaultBackoff,
	}, dispatcher.Wakeup)

	dispatcher.Start(ctx)
	sweeper.Start(ctx)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(api.NewActionHandler(service)),
	}
	go func() {
		log.Printf("http: listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed: ", err)
		}
	}()

	// Block until a shutdown signal arrives, then stop intake first and let
	// in-flight executions finish within the shutdown budget.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	sweeper.Stop()
	dispatcher.Shutdown(cfg.Queue.ShutdownTimeout)
}
