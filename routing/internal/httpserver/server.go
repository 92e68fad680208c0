package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/auth"
	"github.com/ILLUVRSE/contact-center/routing/internal/engine"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/status"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

type Store interface {
	GetWorker(ctx context.Context, tenantID, workerID string) (models.Worker, error)
	ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]models.Worker, error)
	UpsertWorkItem(ctx context.Context, in store.WorkItemInput) (models.WorkItem, error)
	ListWorkItems(ctx context.Context, filter store.WorkItemFilter) ([]models.WorkItem, error)
	UpdateWorkItemStatus(ctx context.Context, tenantID, workItemID string, status models.WorkItemStatus) (models.WorkItem, error)
	GetAssignmentByWorkItem(ctx context.Context, tenantID, workItemID string) (models.Assignment, error)
	Ping(ctx context.Context) error
}

type Directory interface {
	Get(ctx context.Context, tenantID, workerID string) (models.WorkerSnapshot, bool, error)
}

type Assigner interface {
	Assign(ctx context.Context, req engine.Request) (engine.Result, error)
}

type StatusUpserter interface {
	Upsert(ctx context.Context, in status.UpsertInput) (status.UpsertResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Deps are the collaborators behind the routes. Verifier and Gatherer are
// optional: a nil Verifier disables auth, a nil Gatherer serves the default
// registry.
type Deps struct {
	Store        Store
	Directory    Directory
	Assigner     Assigner
	Status       StatusUpserter
	Publisher    Publisher
	Verifier     *auth.Verifier
	Gatherer     prometheus.Gatherer
	RoutingTopic string
	Logger       *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier("")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.RoutingTopic == "" {
		deps.RoutingTopic = events.TopicRoutingRequests
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{deps: deps, logger: logger.With("component", "httpserver")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Verifier.Middleware)

		r.Post("/workers/status", s.handleWorkerStatus)
		r.Get("/workers", s.handleListWorkers)
		r.Get("/workers/{worker_id}", s.handleGetWorker)

		r.Post("/work-items/route", s.handleRoute)
		r.Post("/work-items/assign", s.handleAssign)
		r.Get("/work-items", s.handleListWorkItems)
		r.Post("/work-items/{work_item_id}/status", s.handleWorkItemStatus)

		r.Get("/assignments/{work_item_id}", s.handleGetAssignment)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workerStatusBody struct {
	TenantID    string           `json:"tenant_id"`
	WorkerID    string           `json:"worker_id"`
	Status      string           `json:"status"`
	Skills      *models.SkillSet `json:"skills"`
	CurrentLoad *int             `json:"current_load"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var body workerStatusBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorize(w, r, body.TenantID) {
		return
	}
	st, err := models.ParseWorkerStatus(body.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Status.Upsert(r.Context(), status.UpsertInput{
		TenantID:    body.TenantID,
		WorkerID:    body.WorkerID,
		Status:      st,
		Skills:      body.Skills,
		CurrentLoad: body.CurrentLoad,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"worker": res.Worker,
		"cache":  res.Cache,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if !s.authorize(w, r, tenantID) {
		return
	}
	filter := store.WorkerFilter{TenantID: tenantID, Skill: q.Get("skill")}
	if raw := q.Get("status"); raw != "" {
		st, err := models.ParseWorkerStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	workers, err := s.deps.Store.ListWorkers(r.Context(), filter)
	if err != nil {
		s.respondAppError(w, r, store.Classify("list workers", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// handleGetWorker answers from the capacity directory when it has the worker
// and from the store otherwise.
func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if !s.authorize(w, r, tenantID) {
		return
	}
	workerID := chi.URLParam(r, "worker_id")

	snap, ok, err := s.deps.Directory.Get(r.Context(), tenantID, workerID)
	if err != nil {
		s.logger.Warn("capacity directory read failed", "tenant_id", tenantID, "worker_id", workerID, "error", err)
	}
	if err == nil && ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"worker": snap, "source": "cache"})
		return
	}

	worker, err := s.deps.Store.GetWorker(r.Context(), tenantID, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.respondAppError(w, r, store.Classify("get worker", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"worker": worker.Snapshot(), "source": "store"})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req events.RoutingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorize(w, r, req.TenantID) {
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	item, err := s.deps.Store.UpsertWorkItem(r.Context(), store.WorkItemInput{
		TenantID:            req.TenantID,
		WorkItemID:          req.WorkItemID,
		RequestedCapability: req.RequestedCapability,
		Priority:            req.Priority,
	})
	if err != nil {
		s.respondAppError(w, r, store.Classify("upsert work item", err))
		return
	}
	if err := s.deps.Publisher.Publish(r.Context(), s.deps.RoutingTopic, req.WorkItemID, req); err != nil {
		s.respondAppError(w, r, apperr.Transient("publish routing request", err))
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"work_item":      item,
		"correlation_id": req.CorrelationID,
	})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req events.RoutingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorize(w, r, req.TenantID) {
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.GetReqID(r.Context())
	}

	if _, err := s.deps.Store.UpsertWorkItem(r.Context(), store.WorkItemInput{
		TenantID:            req.TenantID,
		WorkItemID:          req.WorkItemID,
		RequestedCapability: req.RequestedCapability,
		Priority:            req.Priority,
	}); err != nil {
		s.respondAppError(w, r, store.Classify("upsert work item", err))
		return
	}

	res, err := s.deps.Assigner.Assign(r.Context(), engine.Request{
		TenantID:      req.TenantID,
		WorkItemID:    req.WorkItemID,
		Capability:    req.RequestedCapability,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, assignStatusCode(res.Status), map[string]interface{}{
		"status":     res.Status,
		"worker_id":  res.WorkerID,
		"assignment": res.Assignment,
		"published":  res.Published,
	})
}

func assignStatusCode(st engine.Status) int {
	switch st {
	case engine.StatusAssigned, engine.StatusAlreadyAssigned:
		return http.StatusOK
	case engine.StatusNoWorkersAvailable:
		return http.StatusAccepted
	case engine.StatusReservationConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if !s.authorize(w, r, tenantID) {
		return
	}
	filter := store.WorkItemFilter{TenantID: tenantID, Capability: q.Get("capability")}
	if raw := q.Get("status"); raw != "" {
		st, err := models.ParseWorkItemStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	items, err := s.deps.Store.ListWorkItems(r.Context(), filter)
	if err != nil {
		s.respondAppError(w, r, store.Classify("list work items", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"work_items": items})
}

type workItemStatusBody struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

// handleWorkItemStatus records external completion of an assigned work item.
func (s *Server) handleWorkItemStatus(w http.ResponseWriter, r *http.Request) {
	var body workItemStatusBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorize(w, r, body.TenantID) {
		return
	}
	st, err := models.ParseWorkItemStatus(body.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := s.deps.Store.UpdateWorkItemStatus(r.Context(), body.TenantID, chi.URLParam(r, "work_item_id"), st)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "work item not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			respondError(w, http.StatusConflict, "only an in_progress work item can be completed")
			return
		}
		s.respondAppError(w, r, store.Classify("update work item status", err))
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if !s.authorize(w, r, tenantID) {
		return
	}
	a, err := s.deps.Store.GetAssignmentByWorkItem(r.Context(), tenantID, chi.URLParam(r, "work_item_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "assignment not found")
			return
		}
		s.respondAppError(w, r, store.Classify("get assignment", err))
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// authorize requires a tenant id the caller is scoped to. It writes the error
// response and returns false otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return false
	}
	info, ok := auth.FromContext(r.Context())
	if !ok || !info.Allows(tenantID) {
		respondError(w, http.StatusForbidden, "tenant not permitted")
		return false
	}
	return true
}

func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindPoison:
		respondError(w, http.StatusBadRequest, err.Error())
	case apperr.KindConflict:
		respondError(w, http.StatusConflict, err.Error())
	case apperr.KindFatal:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	default:
		s.logger.Warn("dependency unavailable", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
