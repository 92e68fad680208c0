package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/contact-center/routing/internal/models"
)

type key struct {
	tenant string
	id     string
}

// MemoryStore is an in-process Store used by tests and local runs. It mirrors
// the PGStore semantics, including the assignment uniqueness rule.
type MemoryStore struct {
	mu          sync.RWMutex
	workers     map[key]models.Worker
	workItems   map[key]models.WorkItem
	assignments map[key]models.Assignment
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:     map[key]models.Worker{},
		workItems:   map[key]models.WorkItem{},
		assignments: map[key]models.Assignment{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) GetWorker(ctx context.Context, tenantID, workerID string) (models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[key{tenantID, workerID}]
	if !ok {
		return models.Worker{}, ErrNotFound
	}
	return w, nil
}

func (m *MemoryStore) UpsertWorker(ctx context.Context, in WorkerInput) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{in.TenantID, in.WorkerID}
	w, ok := m.workers[k]
	if !ok {
		w = models.Worker{TenantID: in.TenantID, WorkerID: in.WorkerID}
	}
	w.Status = in.Status
	if in.Skills != nil {
		w.Skills = append(models.SkillSet(nil), (*in.Skills)...)
	}
	if in.CurrentLoad != nil {
		w.CurrentLoad = *in.CurrentLoad
	}
	w.UpdatedAt = m.now()
	m.workers[k] = w
	return w, nil
}

func (m *MemoryStore) ListWorkers(ctx context.Context, filter WorkerFilter) ([]models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Worker
	for _, w := range m.workers {
		if filter.TenantID != "" && w.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.Skill != "" && !w.Skills.Matches(filter.Skill) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (m *MemoryStore) UpsertWorkItem(ctx context.Context, in WorkItemInput) (models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key{in.TenantID, in.WorkItemID}
	item, ok := m.workItems[k]
	if !ok {
		item = models.WorkItem{
			TenantID:   in.TenantID,
			WorkItemID: in.WorkItemID,
			Status:     models.WorkItemQueued,
			CreatedAt:  now,
		}
	}
	item.RequestedCapability = in.RequestedCapability
	item.Priority = in.Priority
	item.UpdatedAt = now
	m.workItems[k] = item
	return item, nil
}

func (m *MemoryStore) GetWorkItem(ctx context.Context, tenantID, workItemID string) (models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.workItems[key{tenantID, workItemID}]
	if !ok {
		return models.WorkItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkItem
	for _, item := range m.workItems {
		if filter.TenantID != "" && item.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Capability != "" && item.RequestedCapability != filter.Capability {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].WorkItemID < out[j].WorkItemID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateWorkItemStatus(ctx context.Context, tenantID, workItemID string, status models.WorkItemStatus) (models.WorkItem, error) {
	if status != models.WorkItemCompleted {
		return models.WorkItem{}, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{tenantID, workItemID}
	item, ok := m.workItems[k]
	if !ok {
		return models.WorkItem{}, ErrNotFound
	}
	switch item.Status {
	case models.WorkItemCompleted:
		return item, nil
	case models.WorkItemInProgress:
	default:
		return models.WorkItem{}, ErrInvalidTransition
	}
	item.Status = status
	item.UpdatedAt = m.now()
	m.workItems[k] = item
	return item, nil
}

func (m *MemoryStore) GetAssignmentByWorkItem(ctx context.Context, tenantID, workItemID string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[key{tenantID, workItemID}]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) CreateAssignment(ctx context.Context, in AssignmentInput) (models.Assignment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{in.TenantID, in.WorkItemID}
	if _, exists := m.assignments[k]; exists {
		return models.Assignment{}, ErrConflict
	}
	now := m.now()
	a := models.Assignment{
		ID:         in.ID,
		TenantID:   in.TenantID,
		WorkItemID: in.WorkItemID,
		WorkerID:   in.WorkerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.assignments[k] = a

	item, ok := m.workItems[k]
	if !ok {
		item = models.WorkItem{
			TenantID:            in.TenantID,
			WorkItemID:          in.WorkItemID,
			RequestedCapability: in.RequestedCapability,
			Priority:            in.Priority,
			CreatedAt:           now,
		}
	}
	item.Status = models.WorkItemInProgress
	item.UpdatedAt = now
	m.workItems[k] = item
	return a, nil
}

// AssignmentCount reports how many assignments exist for tenantID.
func (m *MemoryStore) AssignmentCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.assignments {
		if k.tenant == tenantID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
