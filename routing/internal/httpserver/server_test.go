package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/contact-center/routing/internal/auth"
	"github.com/ILLUVRSE/contact-center/routing/internal/capacity"
	"github.com/ILLUVRSE/contact-center/routing/internal/engine"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/metrics"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/status"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

type published struct {
	topic   string
	key     string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []published
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakePublisher) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.events {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	mr      *miniredis.Miniredis
	store   *store.MemoryStore
	pub     *fakePublisher
	handler http.Handler
}

func newTestEnv(t *testing.T, verifier *auth.Verifier) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	env := &testEnv{
		mr:    mr,
		store: store.NewMemoryStore(),
		pub:   &fakePublisher{},
	}
	dir := capacity.NewDirectory(rdb)
	eng := engine.New(dir, capacity.NewLocker(rdb), env.store, env.pub, engine.Config{}, nil, m)
	svc := status.NewService(env.store, dir, capacity.DefaultSnapshotTTL, nil, m)

	env.handler = New(Deps{
		Store:     env.store,
		Directory: dir,
		Assigner:  eng,
		Status:    svc,
		Publisher: env.pub,
		Verifier:  verifier,
		Gatherer:  reg,
	}).Router()
	return env
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) reportStatus(t *testing.T, tenant, worker, skills, st string, load int) {
	t.Helper()
	rec := doRequest(t, e.handler, http.MethodPost, "/workers/status", map[string]interface{}{
		"tenant_id":    tenant,
		"worker_id":    worker,
		"status":       st,
		"skills":       skills,
		"current_load": load,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := doRequest(t, env.handler, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	down := New(Deps{Store: downStore{store.NewMemoryStore()}}).Router()
	rec = doRequest(t, down, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWorkerStatusAndLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reportStatus(t, "tenant01", "agent001", "billing,support", "available", 1)

	rec := doRequest(t, env.handler, http.MethodGet, "/workers/agent001?tenant_id=tenant01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "cache", body["source"])
	worker := body["worker"].(map[string]interface{})
	assert.Equal(t, float64(1), worker["current_load"])

	env.mr.FlushAll()
	rec = doRequest(t, env.handler, http.MethodGet, "/workers/agent001?tenant_id=tenant01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "store", decodeBody(t, rec)["source"])

	rec = doRequest(t, env.handler, http.MethodGet, "/workers/agent999?tenant_id=tenant01", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerStatusValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.handler, http.MethodPost, "/workers/status", map[string]interface{}{
		"tenant_id": "tenant01", "worker_id": "agent001", "status": "asleep",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, env.handler, http.MethodPost, "/workers/status", map[string]interface{}{
		"tenant_id": "tenant01", "worker_id": "agent001", "status": "available", "current_load": -1,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, env.handler, http.MethodPost, "/workers/status", map[string]interface{}{
		"worker_id": "agent001", "status": "available",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListWorkers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reportStatus(t, "tenant01", "agent001", "billing", "available", 0)
	env.reportStatus(t, "tenant01", "agent002", "support", "busy", 0)
	env.reportStatus(t, "tenant02", "agent101", "billing", "available", 0)

	rec := doRequest(t, env.handler, http.MethodGet, "/workers?tenant_id=tenant01&status=available&skill=billing", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	workers := decodeBody(t, rec)["workers"].([]interface{})
	require.Len(t, workers, 1)
	assert.Equal(t, "agent001", workers[0].(map[string]interface{})["worker_id"])

	rec = doRequest(t, env.handler, http.MethodGet, "/workers?tenant_id=tenant01&status=sleeping", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, env.handler, http.MethodGet, "/workers", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutePublishesRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doRequest(t, env.handler, http.MethodPost, "/work-items/route", map[string]interface{}{
		"tenant_id": "tenant01", "work_item_id": "cust001", "requested_capability": "billing", "priority": 1,
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody(t, rec)["correlation_id"])

	sent := env.pub.on(events.TopicRoutingRequests)
	require.Len(t, sent, 1)
	assert.Equal(t, "cust001", sent[0].key)
	req := sent[0].payload.(events.RoutingRequest)
	assert.Equal(t, "billing", req.RequestedCapability)

	item, err := env.store.GetWorkItem(context.Background(), "tenant01", "cust001")
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemQueued, item.Status)

	env.pub.err = errors.New("broker down")
	rec = doRequest(t, env.handler, http.MethodPost, "/work-items/route", map[string]interface{}{
		"tenant_id": "tenant01", "work_item_id": "cust002",
	}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, env.handler, http.MethodPost, "/work-items/route", map[string]interface{}{
		"tenant_id": "tenant01", "work_item_id": "cust003", "priority": -1,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignOutcomes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reportStatus(t, "tenant01", "agent001", "billing,support", "available", 2)
	env.reportStatus(t, "tenant01", "agent002", "billing", "available", 0)

	assign := func(item, capability string) *httptest.ResponseRecorder {
		return doRequest(t, env.handler, http.MethodPost, "/work-items/assign", map[string]interface{}{
			"tenant_id": "tenant01", "work_item_id": item, "requested_capability": capability,
		}, "")
	}

	rec := assign("cust001", "billing")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, string(engine.StatusAssigned), body["status"])
	assert.Equal(t, "agent002", body["worker_id"])
	assert.Equal(t, true, body["published"])

	rec = assign("cust001", "billing")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(engine.StatusAlreadyAssigned), decodeBody(t, rec)["status"])
	assert.Len(t, env.pub.on(events.TopicAssignments), 1)

	rec = assign("cust002", "sales")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, string(engine.StatusNoWorkersAvailable), decodeBody(t, rec)["status"])

	// agent002 is still the least loaded and its reservation has not expired.
	rec = assign("cust003", "billing")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, env.handler, http.MethodGet, "/assignments/cust001?tenant_id=tenant01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent002", decodeBody(t, rec)["worker_id"])

	rec = doRequest(t, env.handler, http.MethodGet, "/assignments/cust003?tenant_id=tenant01", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, env.handler, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "routing_engine_assign_total"))
}

func TestAssignUnavailableDependency(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reportStatus(t, "tenant01", "agent001", "billing", "available", 0)
	env.mr.Close()

	rec := doRequest(t, env.handler, http.MethodPost, "/work-items/assign", map[string]interface{}{
		"tenant_id": "tenant01", "work_item_id": "cust001", "requested_capability": "billing",
	}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWorkItemsListAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reportStatus(t, "tenant01", "agent001", "support", "available", 0)
	for _, id := range []string{"cust001", "cust002"} {
		rec := doRequest(t, env.handler, http.MethodPost, "/work-items/route", map[string]interface{}{
			"tenant_id": "tenant01", "work_item_id": id, "requested_capability": "support",
		}, "")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := doRequest(t, env.handler, http.MethodPost, "/work-items/assign", map[string]interface{}{
		"tenant_id": "tenant01", "work_item_id": "cust001", "requested_capability": "support",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	setStatus := func(item, st string) *httptest.ResponseRecorder {
		return doRequest(t, env.handler, http.MethodPost, "/work-items/"+item+"/status", map[string]interface{}{
			"tenant_id": "tenant01", "status": st,
		}, "")
	}

	rec = setStatus("cust001", "completed")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decodeBody(t, rec)["status"])

	rec = setStatus("cust001", "completed")
	assert.Equal(t, http.StatusOK, rec.Code, "completing twice is idempotent")

	rec = doRequest(t, env.handler, http.MethodGet, "/work-items?tenant_id=tenant01&status=queued", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["work_items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "cust002", items[0].(map[string]interface{})["work_item_id"])

	rec = doRequest(t, env.handler, http.MethodGet, "/work-items?tenant_id=tenant01&limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = setStatus("cust404", "completed")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = setStatus("cust002", "lost")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkItemStatusRejectsTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reportStatus(t, "tenant01", "agent001", "support", "available", 0)
	for _, id := range []string{"cust001", "cust002"} {
		rec := doRequest(t, env.handler, http.MethodPost, "/work-items/route", map[string]interface{}{
			"tenant_id": "tenant01", "work_item_id": id, "requested_capability": "support",
		}, "")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := doRequest(t, env.handler, http.MethodPost, "/work-items/assign", map[string]interface{}{
		"tenant_id": "tenant01", "work_item_id": "cust001", "requested_capability": "support",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	setStatus := func(item, st string) *httptest.ResponseRecorder {
		return doRequest(t, env.handler, http.MethodPost, "/work-items/"+item+"/status", map[string]interface{}{
			"tenant_id": "tenant01", "status": st,
		}, "")
	}

	// An assigned item cannot be pushed back onto the queue.
	rec = setStatus("cust001", "queued")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doRequest(t, env.handler, http.MethodGet, "/assignments/cust001?tenant_id=tenant01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent001", decodeBody(t, rec)["worker_id"])

	// A queued item has no assignment to complete.
	for _, st := range []string{"in_progress", "completed"} {
		rec = setStatus("cust002", st)
		assert.Equal(t, http.StatusConflict, rec.Code, st)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/work-items?tenant_id=tenant01&status=queued", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["work_items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "cust002", items[0].(map[string]interface{})["work_item_id"])

	rec = doRequest(t, env.handler, http.MethodGet, "/work-items?tenant_id=tenant01&status=in_progress", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	items = decodeBody(t, rec)["work_items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "cust001", items[0].(map[string]interface{})["work_item_id"])
}

func TestAuthScopesTenants(t *testing.T) {
	verifier := auth.NewVerifier("s3cret")
	env := newTestEnv(t, verifier)

	rec := doRequest(t, env.handler, http.MethodGet, "/workers?tenant_id=tenant01", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Sign("ops", "tenant01")
	require.NoError(t, err)
	rec = doRequest(t, env.handler, http.MethodGet, "/workers?tenant_id=tenant01", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, env.handler, http.MethodGet, "/workers?tenant_id=tenant02", nil, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, env.handler, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}
