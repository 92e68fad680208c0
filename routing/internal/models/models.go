package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "available"
	WorkerBusy      WorkerStatus = "busy"
	WorkerOffline   WorkerStatus = "offline"
)

// ParseWorkerStatus validates a status string received from the wire.
func ParseWorkerStatus(s string) (WorkerStatus, error) {
	switch st := WorkerStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case WorkerAvailable, WorkerBusy, WorkerOffline:
		return st, nil
	}
	return "", fmt.Errorf("invalid worker status %q", s)
}

type WorkItemStatus string

const (
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
)

func ParseWorkItemStatus(s string) (WorkItemStatus, error) {
	switch st := WorkItemStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case WorkItemQueued, WorkItemInProgress, WorkItemCompleted:
		return st, nil
	}
	return "", fmt.Errorf("invalid work item status %q", s)
}

// SkillSet is the capability list offered by a worker. It is stored and cached
// as a comma-joined string, and matched loosely: a requested capability is
// eligible when it appears anywhere in that string.
type SkillSet []string

// ParseSkills splits a comma-separated skill list, dropping blanks.
func ParseSkills(raw string) SkillSet {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(SkillSet, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s SkillSet) String() string {
	return strings.Join(s, ",")
}

// Matches reports whether capability is offered. An empty capability matches
// every worker.
func (s SkillSet) Matches(capability string) bool {
	if capability == "" {
		return true
	}
	return strings.Contains(s.String(), capability)
}

// UnmarshalJSON accepts either "billing,support" or ["billing","support"].
func (s *SkillSet) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		*s = ParseSkills(raw)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("skills must be a string or a list of strings")
	}
	*s = ParseSkills(strings.Join(list, ","))
	return nil
}

type Worker struct {
	TenantID    string       `json:"tenant_id"`
	WorkerID    string       `json:"worker_id"`
	Skills      SkillSet     `json:"skills"`
	Status      WorkerStatus `json:"status"`
	CurrentLoad int          `json:"current_load"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Snapshot returns the cache representation of the worker.
func (w Worker) Snapshot() WorkerSnapshot {
	return WorkerSnapshot{
		TenantID:    w.TenantID,
		WorkerID:    w.WorkerID,
		Skills:      w.Skills,
		Status:      w.Status,
		CurrentLoad: w.CurrentLoad,
		UpdatedAt:   w.UpdatedAt,
	}
}

// WorkerSnapshot is the capacity directory's view of a worker. It may lag the
// durable record by up to the snapshot TTL.
type WorkerSnapshot struct {
	TenantID    string       `json:"tenant_id"`
	WorkerID    string       `json:"worker_id"`
	Skills      SkillSet     `json:"skills"`
	Status      WorkerStatus `json:"status"`
	CurrentLoad int          `json:"current_load"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Cached      bool         `json:"cached"`
}

type WorkItem struct {
	TenantID            string         `json:"tenant_id"`
	WorkItemID          string         `json:"work_item_id"`
	RequestedCapability string         `json:"requested_capability,omitempty"`
	Priority            int            `json:"priority"`
	Status              WorkItemStatus `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

type Assignment struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenant_id"`
	WorkItemID string    `json:"work_item_id"`
	WorkerID   string    `json:"worker_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
