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
	"github.com/ILLUVRSE/contact-center/routing/internal/auth"
	"github.com/ILLUVRSE/contact-center/routing/internal/config"
	"github.com/ILLUVRSE/contact-center/routing/internal/httpserver"
	"github.com/ILLUVRSE/contact-center/routing/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("routing-api: %v", err)
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
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).With("service", "routing-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	server := httpserver.New(httpserver.Deps{
		Store:        a.Store,
		Directory:    a.Directory,
		Assigner:     a.Engine,
		Status:       a.Status,
		Publisher:    a.Producer,
		Verifier:     auth.NewVerifier(cfg.Auth.JWTSecret),
		Gatherer:     a.Registry,
		RoutingTopic: cfg.Topic.RoutingRequests,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Router(),
	}
	err = a.Run(ctx, func(ctx context.Context) error {
		return app.Serve(ctx, httpServer, logger)
	})
	if err != nil {
		logger.Error("http server stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
