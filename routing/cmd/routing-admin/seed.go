package main

import (
	"context"
	"fmt"

	"github.com/ILLUVRSE/contact-center/routing/internal/models"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

type seedStore interface {
	UpsertWorker(ctx context.Context, in store.WorkerInput) (models.Worker, error)
	UpsertWorkItem(ctx context.Context, in store.WorkItemInput) (models.WorkItem, error)
}

func seedWorker(tenant, worker, skills string, status models.WorkerStatus, load int) store.WorkerInput {
	s := models.ParseSkills(skills)
	return store.WorkerInput{TenantID: tenant, WorkerID: worker, Status: status, Skills: &s, CurrentLoad: &load}
}

var (
	seedWorkers = []store.WorkerInput{
		seedWorker("tenant01", "agent001", "billing,support", models.WorkerAvailable, 0),
		seedWorker("tenant01", "agent002", "support", models.WorkerBusy, 2),
		seedWorker("tenant02", "agent101", "sales", models.WorkerAvailable, 0),
	}
	seedWorkItems = []store.WorkItemInput{
		{TenantID: "tenant01", WorkItemID: "cust001", RequestedCapability: "billing", Priority: 1},
		{TenantID: "tenant01", WorkItemID: "cust002", RequestedCapability: "support"},
		{TenantID: "tenant02", WorkItemID: "cust100", RequestedCapability: "sales"},
	}
)

// seed upserts the sample data, so running it twice is harmless.
func seed(ctx context.Context, st seedStore) (workers, items int, err error) {
	for _, w := range seedWorkers {
		if _, err := st.UpsertWorker(ctx, w); err != nil {
			return workers, items, fmt.Errorf("seed worker %s: %w", w.WorkerID, err)
		}
		workers++
	}
	for _, it := range seedWorkItems {
		if _, err := st.UpsertWorkItem(ctx, it); err != nil {
			return workers, items, fmt.Errorf("seed work item %s: %w", it.WorkItemID, err)
		}
		items++
	}
	return workers, items, nil
}
