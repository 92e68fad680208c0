// Package app wires the routing components from Config for the binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/contact-center/routing/internal/archive"
	"github.com/ILLUVRSE/contact-center/routing/internal/capacity"
	"github.com/ILLUVRSE/contact-center/routing/internal/config"
	"github.com/ILLUVRSE/contact-center/routing/internal/engine"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/metrics"
	"github.com/ILLUVRSE/contact-center/routing/internal/status"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

// App holds the shared adapters. Close releases them.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB        *sql.DB
	Redis     *redis.Client
	Store     *store.PGStore
	Directory *capacity.Directory
	Locker    *capacity.Locker
	Producer  *events.Producer
	Engine    *engine.Engine
	Status    *status.Service

	closeOnce sync.Once
	closeErr  error
}

// Open connects to Postgres, Redis and Kafka and builds the engine and the
// status service on top of them.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Store = store.NewPGStore(db)

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	a.Redis = redis.NewClient(opts)
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.Directory = capacity.NewDirectory(a.Redis)
	a.Locker = capacity.NewLocker(a.Redis)

	producer, err := events.NewProducer(events.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Async:    cfg.Kafka.AsyncPublish,
		OnDeliveryError: func(topic string, err error) {
			logger.Error("async delivery failed", "topic", topic, "error", err)
			a.Metrics.PublishFailed(topic)
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create producer: %w", err)
	}
	a.Producer = producer

	a.Engine = engine.New(a.Directory, a.Locker, a.Store, a.Producer, engine.Config{
		AssignmentsTopic: cfg.Topic.Assignments,
		Lease:            cfg.Routing.LeaseTTL,
	}, logger, a.Metrics)
	a.Status = status.NewService(a.Store, a.Directory, cfg.Routing.SnapshotTTL, logger, a.Metrics)
	return a, nil
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Archiver returns the S3 archiver when a bucket is configured and a
// LogArchiver otherwise.
func (a *App) Archiver(ctx context.Context) (archive.Archiver, error) {
	if a.Config.Archive.S3Bucket == "" {
		return archive.NewLogArchiver(a.Logger), nil
	}
	return archive.NewS3Archiver(ctx, a.Config.Archive.S3Bucket, a.Config.Archive.S3Prefix)
}

// MetricsHandler serves the App registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// Run runs fns in one errgroup and closes the App once they have all
// returned. The first error cancels the others and is returned together with
// any close error.
func (a *App) Run(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	runErr := g.Wait()
	if err := a.Close(); err != nil {
		a.Logger.Error("close adapters", "error", err)
		return errors.Join(runErr, err)
	}
	return runErr
}

// Close flushes the producer and closes Redis and Postgres. Only the first
// call does any work.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.Producer != nil {
			errs = append(errs, a.Producer.Close())
		}
		if a.Redis != nil {
			errs = append(errs, a.Redis.Close())
		}
		if a.DB != nil {
			errs = append(errs, a.DB.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Serve runs srv until ctx is done, then shuts it down within 10s.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
