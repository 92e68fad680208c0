package ingest

import (
	"context"
	"log/slog"

	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/status"
)

type StatusUpserter interface {
	Upsert(ctx context.Context, in status.UpsertInput) (status.UpsertResult, error)
}

// StatusHandler applies worker status reports.
type StatusHandler struct {
	svc    StatusUpserter
	logger *slog.Logger
}

func NewStatusHandler(svc StatusUpserter, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StatusHandler{svc: svc, logger: logger.With("component", "status_handler")}
}

func (h *StatusHandler) Handle(ctx context.Context, msg events.Message) error {
	ev, err := events.DecodeStatusEvent(msg.Value)
	if err != nil {
		return err
	}
	st, _ := models.ParseWorkerStatus(ev.Status)

	res, err := h.svc.Upsert(ctx, status.UpsertInput{
		TenantID:    ev.TenantID,
		WorkerID:    ev.WorkerID,
		Status:      st,
		Skills:      ev.Skills,
		CurrentLoad: ev.CurrentLoad,
	})
	if err != nil {
		return err
	}
	h.logger.Debug("worker status applied",
		"tenant_id", res.Worker.TenantID,
		"worker_id", res.Worker.WorkerID,
		"status", res.Worker.Status,
		"cache", res.Cache,
	)
	return nil
}
