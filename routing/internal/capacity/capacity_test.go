package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/contact-center/routing/internal/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func snapshot(tenant, worker, skills string, status models.WorkerStatus, load int) models.WorkerSnapshot {
	return models.WorkerSnapshot{
		TenantID:    tenant,
		WorkerID:    worker,
		Skills:      models.ParseSkills(skills),
		Status:      status,
		CurrentLoad: load,
	}
}

func TestDirectoryAvailableWorkersFilters(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	d := NewDirectory(rdb)

	require.NoError(t, d.Publish(ctx, snapshot("tenant01", "agent002", "support", models.WorkerAvailable, 2), 0))
	require.NoError(t, d.Publish(ctx, snapshot("tenant01", "agent001", "billing,support", models.WorkerAvailable, 0), 0))
	require.NoError(t, d.Publish(ctx, snapshot("tenant01", "agent003", "billing", models.WorkerBusy, 0), 0))
	require.NoError(t, d.Publish(ctx, snapshot("tenant02", "agent101", "sales", models.WorkerAvailable, 0), 0))

	got, err := d.AvailableWorkers(ctx, "tenant01", "support")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "agent001", got[0].WorkerID)
	assert.Equal(t, "agent002", got[1].WorkerID)
	assert.Equal(t, 2, got[1].CurrentLoad)
	assert.True(t, got[0].Cached)

	got, err = d.AvailableWorkers(ctx, "tenant01", "bill")
	require.NoError(t, err)
	require.Len(t, got, 1, "busy workers are never eligible")
	assert.Equal(t, "agent001", got[0].WorkerID)

	got, err = d.AvailableWorkers(ctx, "tenant01", "sales")
	require.NoError(t, err)
	assert.Empty(t, got, "other tenants are invisible")

	got, err = d.AvailableWorkers(ctx, "tenant01", "")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDirectorySnapshotExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	d := NewDirectory(rdb)

	require.NoError(t, d.Publish(ctx, snapshot("tenant01", "agent001", "billing", models.WorkerAvailable, 0), 0))
	assert.Equal(t, DefaultSnapshotTTL, mr.TTL("worker:tenant01:agent001"))

	mr.FastForward(DefaultSnapshotTTL + time.Second)

	got, err := d.AvailableWorkers(ctx, "tenant01", "billing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectoryToleratesBadLoad(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	d := NewDirectory(rdb)

	mr.HSet("worker:tenant01:agent009", "status", "available", "skills", "billing", "current_load", "lots")

	got, err := d.AvailableWorkers(ctx, "tenant01", "billing")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agent009", got[0].WorkerID)
	assert.Equal(t, 0, got[0].CurrentLoad)
}

func TestDirectoryGet(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	d := NewDirectory(rdb)

	_, ok, err := d.Get(ctx, "tenant01", "agent001")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Publish(ctx, snapshot("tenant01", "agent001", "billing,support", models.WorkerBusy, 3), time.Minute))
	snap, ok, err := d.Get(ctx, "tenant01", "agent001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.WorkerBusy, snap.Status)
	assert.Equal(t, 3, snap.CurrentLoad)
	assert.Equal(t, models.SkillSet{"billing", "support"}, snap.Skills)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `t\*1\?\[x\]`, escapeGlob("t*1?[x]"))
}

func TestKeysKeepTenantAndWorkerApart(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	d := NewDirectory(rdb)
	l := NewLocker(rdb)

	assert.NotEqual(t, workerKey("a", "b:w"), workerKey("a:b", "w"))
	assert.Equal(t, "worker:a%3Ab:w", workerKey("a:b", "w"))
	assert.Equal(t, "lock:worker:a:b%3Aw", lockKey("a", "b:w"))
	assert.Equal(t, "worker:t%25:w", workerKey("t%", "w"))

	require.NoError(t, d.Publish(ctx, snapshot("a", "b:w", "billing", models.WorkerAvailable, 1), time.Minute))
	require.NoError(t, d.Publish(ctx, snapshot("a:b", "w", "billing", models.WorkerBusy, 4), time.Minute))
	assert.Len(t, mr.Keys(), 2)

	snap, ok, err := d.Get(ctx, "a", "b:w")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.WorkerAvailable, snap.Status)
	assert.Equal(t, 1, snap.CurrentLoad)

	snap, ok, err = d.Get(ctx, "a:b", "w")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.WorkerBusy, snap.Status)

	got, err := d.AvailableWorkers(ctx, "a", "billing")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b:w", got[0].WorkerID)

	got, err = d.AvailableWorkers(ctx, "a:b", "billing")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok, err = l.TryAcquire(ctx, "a", "b:w", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.TryAcquire(ctx, "a:b", "w", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a different worker must not share the lease")
}

func TestKeyPartRoundTrips(t *testing.T) {
	for _, id := range []string{"agent001", "b:w", "50%", "%3A", "::%%"} {
		assert.Equal(t, id, unescapeKeyPart(keyPart(id)), id)
	}
}

func TestLockerIsExclusive(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	l := NewLocker(rdb)

	res, ok, err := l.TryAcquire(ctx, "tenant01", "agent001", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lock:worker:tenant01:agent001", res.Key)
	assert.Equal(t, DefaultLease, mr.TTL(res.Key))

	_, ok, err = l.TryAcquire(ctx, "tenant01", "agent001", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different worker is independent.
	_, ok, err = l.TryAcquire(ctx, "tenant01", "agent002", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	l := NewLocker(rdb)

	res, ok, err := l.TryAcquire(ctx, "tenant01", "agent001", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stranger := res
	stranger.Token = "someone-else"
	require.NoError(t, l.Release(ctx, stranger))
	assert.True(t, mr.Exists(res.Key))

	require.NoError(t, l.Release(ctx, res))
	assert.False(t, mr.Exists(res.Key))

	_, ok, err = l.TryAcquire(ctx, "tenant01", "agent001", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerLeaseExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	l := NewLocker(rdb)

	_, ok, err := l.TryAcquire(ctx, "tenant01", "agent001", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	_, ok, err = l.TryAcquire(ctx, "tenant01", "agent001", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerBackendError(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	l := NewLocker(rdb)
	mr.Close()

	_, ok, err := l.TryAcquire(ctx, "tenant01", "agent001", 0)
	require.Error(t, err)
	assert.False(t, ok)
}
