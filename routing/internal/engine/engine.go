// Package engine picks a worker for a work item and records the assignment.
//
// An assignment is only written while the chosen worker's reservation is
// held, and the durable uniqueness rule on (tenant, work item) guarantees a
// work item is assigned at most once however many engines race on it.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/capacity"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/metrics"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

type Directory interface {
	AvailableWorkers(ctx context.Context, tenantID, capability string) ([]models.WorkerSnapshot, error)
}

type Locker interface {
	TryAcquire(ctx context.Context, tenantID, workerID string, lease time.Duration) (capacity.Reservation, bool, error)
	Release(ctx context.Context, res capacity.Reservation) error
}

// Store is the subset of store.Store the engine needs.
type Store interface {
	ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]models.Worker, error)
	GetAssignmentByWorkItem(ctx context.Context, tenantID, workItemID string) (models.Assignment, error)
	CreateAssignment(ctx context.Context, in store.AssignmentInput) (models.Assignment, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

type Status string

const (
	StatusAssigned            Status = "assigned"
	StatusNoWorkersAvailable  Status = "no_workers_available"
	StatusReservationConflict Status = "reservation_conflict"
	StatusAlreadyAssigned     Status = "already_assigned"
)

type Request struct {
	TenantID      string
	WorkItemID    string
	Capability    string
	Priority      int
	CorrelationID string
}

type Result struct {
	Status     Status
	WorkerID   string
	Assignment *models.Assignment
	// Published is false when the assignment event could not be delivered.
	Published bool
}

type Config struct {
	AssignmentsTopic string
	Lease            time.Duration
}

type Engine struct {
	dir     Directory
	locker  Locker
	store   Store
	pub     Publisher
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(dir Directory, locker Locker, st Store, pub Publisher, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.AssignmentsTopic == "" {
		cfg.AssignmentsTopic = events.TopicAssignments
	}
	if cfg.Lease <= 0 {
		cfg.Lease = capacity.DefaultLease
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		dir:     dir,
		locker:  locker,
		store:   st,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Assign attempts to assign req's work item to the least loaded eligible
// worker. Business outcomes are reported through Result.Status; errors are
// Transient (retry later), Poison (invalid request) or Fatal (broken schema or
// credentials).
func (e *Engine) Assign(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		outcome := string(res.Status)
		if err != nil {
			outcome = apperr.KindOf(err).String()
		}
		e.metrics.ObserveAssign(outcome, time.Since(start))
	}()

	if req.TenantID == "" || req.WorkItemID == "" {
		return Result{}, apperr.Poison("assign", errors.New("tenant_id and work_item_id are required"))
	}
	log := e.logger.With(
		"tenant_id", req.TenantID,
		"work_item_id", req.WorkItemID,
		"correlation_id", req.CorrelationID,
	)

	existing, err := e.store.GetAssignmentByWorkItem(ctx, req.TenantID, req.WorkItemID)
	switch {
	case err == nil:
		log.Debug("work item already assigned", "worker_id", existing.WorkerID)
		return Result{Status: StatusAlreadyAssigned, WorkerID: existing.WorkerID, Assignment: &existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, store.Classify("lookup assignment", err)
	}

	candidates, err := e.candidates(ctx, log, req)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		log.Info("no workers available", "capability", req.Capability)
		return Result{Status: StatusNoWorkersAvailable}, nil
	}
	chosen := selectWorker(candidates)
	log = log.With("worker_id", chosen.WorkerID)

	reservation, ok, err := e.locker.TryAcquire(ctx, req.TenantID, chosen.WorkerID, e.cfg.Lease)
	if err != nil {
		return Result{}, apperr.Transient("reserve worker", err)
	}
	if !ok {
		log.Info("worker reservation held elsewhere")
		return Result{Status: StatusReservationConflict, WorkerID: chosen.WorkerID}, nil
	}

	assignment, err := e.store.CreateAssignment(ctx, store.AssignmentInput{
		TenantID:            req.TenantID,
		WorkItemID:          req.WorkItemID,
		WorkerID:            chosen.WorkerID,
		RequestedCapability: req.Capability,
		Priority:            req.Priority,
	})
	if err != nil {
		e.release(ctx, log, reservation)
		if errors.Is(err, store.ErrConflict) {
			return e.alreadyAssigned(ctx, req)
		}
		return Result{}, store.Classify("create assignment", err)
	}

	// The reservation is not released on success; it expires with its lease.
	res = Result{Status: StatusAssigned, WorkerID: chosen.WorkerID, Assignment: &assignment, Published: true}

	ev := events.AssignmentEvent{
		TenantID:   req.TenantID,
		WorkItemID: req.WorkItemID,
		WorkerID:   chosen.WorkerID,
		Status:     string(StatusAssigned),
		Timestamp:  e.now(),
	}
	if err := e.pub.Publish(ctx, e.cfg.AssignmentsTopic, req.WorkItemID, ev); err != nil {
		log.Error("publish assignment event failed", "topic", e.cfg.AssignmentsTopic, "error", err)
		e.metrics.PublishFailed(e.cfg.AssignmentsTopic)
		res.Published = false
	}
	log.Info("work item assigned", "current_load", chosen.CurrentLoad, "cached", chosen.Cached)
	return res, nil
}

// candidates reads eligible workers from the directory and falls back to the
// store when the directory is empty or unreachable.
func (e *Engine) candidates(ctx context.Context, log *slog.Logger, req Request) ([]models.WorkerSnapshot, error) {
	snaps, err := e.dir.AvailableWorkers(ctx, req.TenantID, req.Capability)
	if err == nil && len(snaps) > 0 {
		return snaps, nil
	}
	if err != nil {
		log.Warn("capacity directory read failed, using store", "error", err)
		e.metrics.CacheFallback("error")
	} else {
		e.metrics.CacheFallback("empty")
	}

	workers, err := e.store.ListWorkers(ctx, store.WorkerFilter{
		TenantID: req.TenantID,
		Status:   models.WorkerAvailable,
		Skill:    req.Capability,
	})
	if err != nil {
		return nil, store.Classify("list workers", err)
	}
	out := make([]models.WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Snapshot())
	}
	return out, nil
}

func (e *Engine) alreadyAssigned(ctx context.Context, req Request) (Result, error) {
	existing, err := e.store.GetAssignmentByWorkItem(ctx, req.TenantID, req.WorkItemID)
	if err != nil {
		// The insert lost a race, so the row exists even if we cannot read it now.
		return Result{Status: StatusAlreadyAssigned}, nil
	}
	return Result{Status: StatusAlreadyAssigned, WorkerID: existing.WorkerID, Assignment: &existing}, nil
}

func (e *Engine) release(ctx context.Context, log *slog.Logger, res capacity.Reservation) {
	if err := e.locker.Release(context.WithoutCancel(ctx), res); err != nil {
		log.Warn("release reservation failed", "error", err)
	}
}

// selectWorker returns the candidate with the lowest load, lowest worker id
// on ties. candidates must not be empty.
func selectWorker(candidates []models.WorkerSnapshot) models.WorkerSnapshot {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CurrentLoad < best.CurrentLoad || (c.CurrentLoad == best.CurrentLoad && c.WorkerID < best.WorkerID) {
			best = c
		}
	}
	return best
}
