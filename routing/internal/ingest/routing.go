package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/engine"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

type Assigner interface {
	Assign(ctx context.Context, req engine.Request) (engine.Result, error)
}

type WorkItemStore interface {
	UpsertWorkItem(ctx context.Context, in store.WorkItemInput) (models.WorkItem, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// RoutingHandler turns routing requests into assignments.
type RoutingHandler struct {
	items           WorkItemStore
	assigner        Assigner
	pub             Publisher
	deadLetterTopic string
	logger          *slog.Logger
	now             func() time.Time
}

func NewRoutingHandler(items WorkItemStore, assigner Assigner, pub Publisher, deadLetterTopic string, logger *slog.Logger) *RoutingHandler {
	if deadLetterTopic == "" {
		deadLetterTopic = events.TopicDeadLetter
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RoutingHandler{
		items:           items,
		assigner:        assigner,
		pub:             pub,
		deadLetterTopic: deadLetterTopic,
		logger:          logger.With("component", "routing_handler"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (h *RoutingHandler) Handle(ctx context.Context, msg events.Message) error {
	req, err := events.DecodeRoutingRequest(msg.Value)
	if err != nil {
		return err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	if _, err := h.items.UpsertWorkItem(ctx, store.WorkItemInput{
		TenantID:            req.TenantID,
		WorkItemID:          req.WorkItemID,
		RequestedCapability: req.RequestedCapability,
		Priority:            req.Priority,
	}); err != nil {
		return store.Classify("upsert work item", err)
	}

	res, err := h.assigner.Assign(ctx, engine.Request{
		TenantID:      req.TenantID,
		WorkItemID:    req.WorkItemID,
		Capability:    req.RequestedCapability,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return err
	}

	switch res.Status {
	case engine.StatusAssigned, engine.StatusAlreadyAssigned:
		return nil
	case engine.StatusNoWorkersAvailable:
		return apperr.NotAvailable("route work item", fmt.Errorf("no available worker offers %q", req.RequestedCapability))
	case engine.StatusReservationConflict:
		return apperr.Conflict("route work item", fmt.Errorf("worker %s is reserved", res.WorkerID))
	}
	return apperr.Transient("route work item", fmt.Errorf("unexpected assign status %q", res.Status))
}

// Exhausted publishes the request to the dead-letter topic.
func (h *RoutingHandler) Exhausted(ctx context.Context, msg events.Message, attempts int, cause error) error {
	req, err := events.DecodeRoutingRequest(msg.Value)
	if err != nil {
		return nil
	}
	ev := events.DeadLetterEvent{
		TenantID:            req.TenantID,
		WorkItemID:          req.WorkItemID,
		RequestedCapability: req.RequestedCapability,
		Priority:            req.Priority,
		CorrelationID:       req.CorrelationID,
		Reason:              apperr.KindOf(cause).String(),
		Attempts:            attempts,
		Timestamp:           h.now(),
	}
	if err := h.pub.Publish(ctx, h.deadLetterTopic, req.WorkItemID, ev); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
