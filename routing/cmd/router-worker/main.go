package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ILLUVRSE/contact-center/routing/internal/app"
	"github.com/ILLUVRSE/contact-center/routing/internal/config"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/ingest"
	"github.com/ILLUVRSE/contact-center/routing/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("router-worker: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("ROUTING_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).With("service", "router-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	archiver, err := a.Archiver(ctx)
	if err != nil {
		return fmt.Errorf("poison archive: %w", err)
	}
	consumer, err := events.NewConsumer(events.ConsumerConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.RouterGroup,
		Topic:       cfg.Topic.RoutingRequests,
		ClientID:    cfg.Kafka.ClientID,
		PollTimeout: cfg.Routing.PollTimeout,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	handler := ingest.NewRoutingHandler(a.Store, a.Engine, a.Producer, cfg.Topic.DeadLetter, logger)
	loop := ingest.NewLoop(consumer, handler, archiver, ingest.Config{
		Name:            "router",
		MaxAttempts:     cfg.Routing.MaxAttempts,
		RetryBackoff:    cfg.Routing.RetryBackoff,
		RetryBackoffMax: cfg.Routing.RetryBackoffMax,
		HandlerTimeout:  cfg.Routing.HandlerTimeout,
	}, logger, a.Metrics)

	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: a.MetricsHandler()}

	err = a.Run(ctx, loop.Run, func(ctx context.Context) error {
		return app.Serve(ctx, metricsServer, logger)
	})
	if err != nil {
		logger.Error("router worker stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
