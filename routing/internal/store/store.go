package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a work item already has an assignment.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition rejects a work item status change outside
	// in_progress -> completed.
	ErrInvalidTransition = errors.New("invalid work item status transition")
)

type Store interface {
	GetWorker(ctx context.Context, tenantID, workerID string) (models.Worker, error)
	UpsertWorker(ctx context.Context, in WorkerInput) (models.Worker, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]models.Worker, error)
	UpsertWorkItem(ctx context.Context, in WorkItemInput) (models.WorkItem, error)
	GetWorkItem(ctx context.Context, tenantID, workItemID string) (models.WorkItem, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]models.WorkItem, error)
	UpdateWorkItemStatus(ctx context.Context, tenantID, workItemID string, status models.WorkItemStatus) (models.WorkItem, error)
	GetAssignmentByWorkItem(ctx context.Context, tenantID, workItemID string) (models.Assignment, error)
	CreateAssignment(ctx context.Context, in AssignmentInput) (models.Assignment, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// WorkerInput describes a status report. Nil Skills or CurrentLoad keep the
// stored value (zero values for a new worker).
type WorkerInput struct {
	TenantID    string
	WorkerID    string
	Status      models.WorkerStatus
	Skills      *models.SkillSet
	CurrentLoad *int
}

type WorkerFilter struct {
	TenantID string
	Status   models.WorkerStatus
	Skill    string
}

type WorkItemInput struct {
	TenantID            string
	WorkItemID          string
	RequestedCapability string
	Priority            int
}

type WorkItemFilter struct {
	TenantID   string
	Status     models.WorkItemStatus
	Capability string
	Limit      int
	Offset     int
}

// AssignmentInput carries the work item fields too, so the item row can be
// created inside the assignment transaction when it does not exist yet.
type AssignmentInput struct {
	ID                  uuid.UUID
	TenantID            string
	WorkItemID          string
	WorkerID            string
	RequestedCapability string
	Priority            int
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const (
	workerColumns     = `tenant_id, worker_id, skills, status, current_load, updated_at`
	workItemColumns   = `tenant_id, work_item_id, requested_capability, priority, status, created_at, updated_at`
	assignmentColumns = `id, tenant_id, work_item_id, worker_id, created_at, updated_at`
)

func scanWorker(row rowScanner) (models.Worker, error) {
	var (
		w      models.Worker
		skills string
		status string
	)
	if err := row.Scan(&w.TenantID, &w.WorkerID, &skills, &status, &w.CurrentLoad, &w.UpdatedAt); err != nil {
		return models.Worker{}, err
	}
	w.Skills = models.ParseSkills(skills)
	w.Status = models.WorkerStatus(status)
	return w, nil
}

func scanWorkItem(row rowScanner) (models.WorkItem, error) {
	var (
		item   models.WorkItem
		status string
	)
	if err := row.Scan(
		&item.TenantID,
		&item.WorkItemID,
		&item.RequestedCapability,
		&item.Priority,
		&status,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return models.WorkItem{}, err
	}
	item.Status = models.WorkItemStatus(status)
	return item, nil
}

func scanAssignment(row rowScanner) (models.Assignment, error) {
	var a models.Assignment
	if err := row.Scan(&a.ID, &a.TenantID, &a.WorkItemID, &a.WorkerID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.Assignment{}, err
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Classify tags a store failure with its apperr kind. Missing schema objects,
// rejected credentials and unknown databases are Fatal; everything else is
// Transient.
func Classify(op string, err error) error {
	if isFatal(err) {
		return apperr.Fatal(op, err)
	}
	return apperr.Transient(op, err)
}

func isFatal(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "42", "28", "3D", "3F":
		return true
	}
	return false
}

// likePattern builds a substring pattern, escaping LIKE metacharacters.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (s *PGStore) GetWorker(ctx context.Context, tenantID, workerID string) (models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE tenant_id=$1 AND worker_id=$2`
	w, err := scanWorker(s.db.QueryRowContext(ctx, query, tenantID, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Worker{}, ErrNotFound
		}
		return models.Worker{}, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (s *PGStore) UpsertWorker(ctx context.Context, in WorkerInput) (models.Worker, error) {
	var (
		skills sql.NullString
		load   sql.NullInt64
	)
	if in.Skills != nil {
		skills = sql.NullString{String: in.Skills.String(), Valid: true}
	}
	if in.CurrentLoad != nil {
		load = sql.NullInt64{Int64: int64(*in.CurrentLoad), Valid: true}
	}
	query := `
		INSERT INTO workers (tenant_id, worker_id, skills, status, current_load, updated_at)
		VALUES ($1, $2, COALESCE($3::text, ''), $4, COALESCE($5::int, 0), NOW())
		ON CONFLICT (tenant_id, worker_id) DO UPDATE SET
			skills = COALESCE($3::text, workers.skills),
			status = EXCLUDED.status,
			current_load = COALESCE($5::int, workers.current_load),
			updated_at = NOW()
		RETURNING ` + workerColumns
	w, err := scanWorker(s.db.QueryRowContext(ctx, query, in.TenantID, in.WorkerID, skills, string(in.Status), load))
	if err != nil {
		return models.Worker{}, fmt.Errorf("upsert worker: %w", err)
	}
	return w, nil
}

func (s *PGStore) ListWorkers(ctx context.Context, filter WorkerFilter) ([]models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argPos)
		args = append(args, filter.TenantID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.Skill != "" {
		query += fmt.Sprintf(" AND skills LIKE $%d", argPos)
		args = append(args, likePattern(filter.Skill))
	}
	query += " ORDER BY worker_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// UpsertWorkItem records a routing request. A repeated request refreshes the
// capability and priority but leaves the status alone.
func (s *PGStore) UpsertWorkItem(ctx context.Context, in WorkItemInput) (models.WorkItem, error) {
	query := `
		INSERT INTO work_items (tenant_id, work_item_id, requested_capability, priority, status)
		VALUES ($1, $2, $3, $4, 'queued')
		ON CONFLICT (tenant_id, work_item_id) DO UPDATE SET
			requested_capability = EXCLUDED.requested_capability,
			priority = EXCLUDED.priority,
			updated_at = NOW()
		RETURNING ` + workItemColumns
	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query, in.TenantID, in.WorkItemID, in.RequestedCapability, in.Priority))
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("upsert work item: %w", err)
	}
	return item, nil
}

func (s *PGStore) GetWorkItem(ctx context.Context, tenantID, workItemID string) (models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE tenant_id=$1 AND work_item_id=$2`
	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query, tenantID, workItemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkItem{}, ErrNotFound
		}
		return models.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

func (s *PGStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argPos)
		args = append(args, filter.TenantID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.Capability != "" {
		query += fmt.Sprintf(" AND requested_capability = $%d", argPos)
		args = append(args, filter.Capability)
		argPos++
	}
	query += " ORDER BY created_at, work_item_id"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return items, nil
}

// UpdateWorkItemStatus applies an external status change. Only completion of
// an in_progress item is accepted; completing an already completed item
// returns it unchanged. Anything else is ErrInvalidTransition.
func (s *PGStore) UpdateWorkItemStatus(ctx context.Context, tenantID, workItemID string, status models.WorkItemStatus) (models.WorkItem, error) {
	if status != models.WorkItemCompleted {
		return models.WorkItem{}, ErrInvalidTransition
	}
	query := `
		UPDATE work_items
		SET status='completed', updated_at=NOW()
		WHERE tenant_id=$1 AND work_item_id=$2 AND status='in_progress'
		RETURNING ` + workItemColumns
	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query, tenantID, workItemID))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("update work item status: %w", err)
	}

	current, err := s.GetWorkItem(ctx, tenantID, workItemID)
	if err != nil {
		return models.WorkItem{}, err
	}
	if current.Status == models.WorkItemCompleted {
		return current, nil
	}
	return models.WorkItem{}, ErrInvalidTransition
}

func (s *PGStore) GetAssignmentByWorkItem(ctx context.Context, tenantID, workItemID string) (models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE tenant_id=$1 AND work_item_id=$2`
	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, tenantID, workItemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Assignment{}, ErrNotFound
		}
		return models.Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// CreateAssignment inserts the assignment and moves the work item to
// in_progress in a single transaction. ErrConflict means the work item was
// already assigned and nothing was written.
func (s *PGStore) CreateAssignment(ctx context.Context, in AssignmentInput) (models.Assignment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insertAssignment := `
		INSERT INTO assignments (id, tenant_id, work_item_id, worker_id)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + assignmentColumns
	a, err := scanAssignment(tx.QueryRowContext(ctx, insertAssignment, in.ID, in.TenantID, in.WorkItemID, in.WorkerID))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Assignment{}, ErrConflict
		}
		return models.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}

	const markInProgress = `
		INSERT INTO work_items (tenant_id, work_item_id, requested_capability, priority, status)
		VALUES ($1, $2, $3, $4, 'in_progress')
		ON CONFLICT (tenant_id, work_item_id) DO UPDATE SET
			status = 'in_progress',
			updated_at = NOW()
	`
	if _, err := tx.ExecContext(ctx, markInProgress, in.TenantID, in.WorkItemID, in.RequestedCapability, in.Priority); err != nil {
		return models.Assignment{}, fmt.Errorf("mark work item in progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Assignment{}, fmt.Errorf("commit assignment: %w", err)
	}
	return a, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
