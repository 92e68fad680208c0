package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/models"
)

// RoutingRequest asks for a work item to be assigned.
type RoutingRequest struct {
	TenantID            string `json:"tenant_id"`
	WorkItemID          string `json:"work_item_id"`
	RequestedCapability string `json:"requested_capability"`
	Priority            int    `json:"priority"`
	CorrelationID       string `json:"correlation_id,omitempty"`
}

func (r RoutingRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" || strings.TrimSpace(r.WorkItemID) == "" {
		return errors.New("tenant_id and work_item_id are required")
	}
	if r.Priority < 0 {
		return errors.New("priority must be >= 0")
	}
	return nil
}

// AssignmentEvent announces a new assignment. It is keyed by work item id.
type AssignmentEvent struct {
	TenantID   string    `json:"tenant_id"`
	WorkItemID string    `json:"work_item_id"`
	WorkerID   string    `json:"worker_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusEvent is a worker status report. Absent skills or current_load leave
// the stored values untouched.
type StatusEvent struct {
	TenantID    string           `json:"tenant_id"`
	WorkerID    string           `json:"worker_id"`
	Status      string           `json:"status"`
	Skills      *models.SkillSet `json:"skills,omitempty"`
	CurrentLoad *int             `json:"current_load,omitempty"`
}

func (e StatusEvent) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" || strings.TrimSpace(e.WorkerID) == "" {
		return errors.New("tenant_id and worker_id are required")
	}
	if _, err := models.ParseWorkerStatus(e.Status); err != nil {
		return err
	}
	if e.CurrentLoad != nil && *e.CurrentLoad < 0 {
		return errors.New("current_load must be >= 0")
	}
	return nil
}

// DeadLetterEvent records a routing request that was given up on.
type DeadLetterEvent struct {
	TenantID            string    `json:"tenant_id"`
	WorkItemID          string    `json:"work_item_id"`
	RequestedCapability string    `json:"requested_capability"`
	Priority            int       `json:"priority"`
	CorrelationID       string    `json:"correlation_id,omitempty"`
	Reason              string    `json:"reason"`
	Attempts            int       `json:"attempts"`
	Timestamp           time.Time `json:"timestamp"`
}

func DecodeRoutingRequest(b []byte) (RoutingRequest, error) {
	var req RoutingRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return RoutingRequest{}, apperr.Poison("decode routing request", err)
	}
	if err := req.Validate(); err != nil {
		return RoutingRequest{}, apperr.Poison("decode routing request", err)
	}
	return req, nil
}

func DecodeStatusEvent(b []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return StatusEvent{}, apperr.Poison("decode status event", err)
	}
	if err := ev.Validate(); err != nil {
		return StatusEvent{}, apperr.Poison("decode status event", fmt.Errorf("worker %q: %w", ev.WorkerID, err))
	}
	return ev, nil
}
