//go:build integration

package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ILLUVRSE/contact-center/routing/internal/models"
)

func TestPGStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("routing"),
		postgres.WithUsername("routing"),
		postgres.WithPassword("routing"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db), "schema must be re-appliable")

	s := NewPGStore(db)

	t.Run("worker upsert keeps omitted fields", func(t *testing.T) {
		skills := models.ParseSkills("billing,support")
		load := 0
		_, err := s.UpsertWorker(ctx, WorkerInput{TenantID: "tenant01", WorkerID: "agent001", Status: models.WorkerAvailable, Skills: &skills, CurrentLoad: &load})
		require.NoError(t, err)

		w, err := s.UpsertWorker(ctx, WorkerInput{TenantID: "tenant01", WorkerID: "agent001", Status: models.WorkerBusy})
		require.NoError(t, err)
		assert.Equal(t, skills, w.Skills)
		assert.Equal(t, models.WorkerBusy, w.Status)

		got, err := s.ListWorkers(ctx, WorkerFilter{TenantID: "tenant01", Skill: "bill"})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("concurrent assignments for one work item", func(t *testing.T) {
		_, err := s.UpsertWorkItem(ctx, WorkItemInput{TenantID: "tenant01", WorkItemID: "cust001", RequestedCapability: "billing", Priority: 1})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for _, worker := range []string{"agent001", "agent002", "agent003", "agent004"} {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				_, err := s.CreateAssignment(ctx, AssignmentInput{TenantID: "tenant01", WorkItemID: "cust001", WorkerID: worker})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case err == ErrConflict:
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(worker)
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
		assert.Equal(t, 3, conflicts)

		item, err := s.GetWorkItem(ctx, "tenant01", "cust001")
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemInProgress, item.Status)

		item, err = s.UpsertWorkItem(ctx, WorkItemInput{TenantID: "tenant01", WorkItemID: "cust001", RequestedCapability: "billing", Priority: 1})
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemInProgress, item.Status, "upsert must not regress status")
	})
}
