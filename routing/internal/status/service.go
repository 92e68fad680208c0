package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/metrics"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

type Store interface {
	UpsertWorker(ctx context.Context, in store.WorkerInput) (models.Worker, error)
}

type Directory interface {
	Publish(ctx context.Context, snap models.WorkerSnapshot, ttl time.Duration) error
}

type CacheOutcome string

const (
	CacheUpdated  CacheOutcome = "updated"
	CacheDegraded CacheOutcome = "degraded"
)

type UpsertInput struct {
	TenantID    string
	WorkerID    string
	Status      models.WorkerStatus
	Skills      *models.SkillSet
	CurrentLoad *int
}

// UpsertResult reports the durable record and whether the capacity directory
// was refreshed. A degraded cache is not an error: the directory catches up on
// the next report or when the stale entry expires.
type UpsertResult struct {
	Worker   models.Worker
	Cache    CacheOutcome
	CacheErr error
}

// Service applies worker status reports. It is shared by the status ingestor
// and the HTTP API.
type Service struct {
	store   Store
	dir     Directory
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewService(st Store, dir Directory, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: st, dir: dir, ttl: ttl, logger: logger.With("component", "status"), metrics: m}
}

func (s *Service) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	if in.TenantID == "" || in.WorkerID == "" {
		return UpsertResult{}, apperr.Poison("upsert worker", errors.New("tenant_id and worker_id are required"))
	}
	if _, err := models.ParseWorkerStatus(string(in.Status)); err != nil {
		return UpsertResult{}, apperr.Poison("upsert worker", err)
	}
	if in.CurrentLoad != nil && *in.CurrentLoad < 0 {
		return UpsertResult{}, apperr.Poison("upsert worker", errors.New("current_load must be >= 0"))
	}

	w, err := s.store.UpsertWorker(ctx, store.WorkerInput{
		TenantID:    in.TenantID,
		WorkerID:    in.WorkerID,
		Status:      in.Status,
		Skills:      in.Skills,
		CurrentLoad: in.CurrentLoad,
	})
	if err != nil {
		return UpsertResult{}, store.Classify("upsert worker", err)
	}

	res := UpsertResult{Worker: w, Cache: CacheUpdated}
	if err := s.dir.Publish(ctx, w.Snapshot(), s.ttl); err != nil {
		s.logger.Warn("worker snapshot not cached",
			"tenant_id", w.TenantID,
			"worker_id", w.WorkerID,
			"error", err,
		)
		s.metrics.CacheWriteFailed()
		res.Cache = CacheDegraded
		res.CacheErr = err
	}
	return res, nil
}
