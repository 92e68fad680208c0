package capacity

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ILLUVRSE/contact-center/routing/internal/models"
)

const (
	DefaultSnapshotTTL = 300 * time.Second
	scanCount          = 200
)

// Directory is the shared, TTL-bounded view of worker capacity. Each worker is
// a hash at worker:{tenant}:{worker}, with ':' and '%' percent-encoded inside
// each part. Entries may lag the store; readers fall back to the store when
// the directory has nothing for them.
type Directory struct {
	rdb redis.Cmdable
}

func NewDirectory(rdb redis.Cmdable) *Directory {
	return &Directory{rdb: rdb}
}

func workerKey(tenantID, workerID string) string {
	return "worker:" + keyPart(tenantID) + ":" + keyPart(workerID)
}

var (
	keyEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	keyUnescaper = strings.NewReplacer("%25", "%", "%3A", ":")
)

// keyPart encodes one id so that the ':' separators in a key stay unambiguous.
func keyPart(s string) string {
	return keyEscaper.Replace(s)
}

func unescapeKeyPart(s string) string {
	return keyUnescaper.Replace(s)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// Publish overwrites the snapshot for a worker and resets its TTL.
func (d *Directory) Publish(ctx context.Context, snap models.WorkerSnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	key := workerKey(snap.TenantID, snap.WorkerID)
	_, err := d.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"tenant_id":    snap.TenantID,
			"worker_id":    snap.WorkerID,
			"status":       string(snap.Status),
			"skills":       snap.Skills.String(),
			"current_load": strconv.Itoa(snap.CurrentLoad),
			"updated_at":   updated.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish worker snapshot: %w", err)
	}
	return nil
}

// AvailableWorkers lists cached workers of tenantID that are available and
// offer capability, ordered by worker id.
func (d *Directory) AvailableWorkers(ctx context.Context, tenantID, capability string) ([]models.WorkerSnapshot, error) {
	pattern := "worker:" + escapeGlob(keyPart(tenantID)) + ":*"
	var keys []string
	iter := d.rdb.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan worker snapshots: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if _, err := d.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read worker snapshots: %w", err)
	}

	prefix := "worker:" + keyPart(tenantID) + ":"
	var out []models.WorkerSnapshot
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// expired between SCAN and HGETALL
			continue
		}
		snap := snapshotFromHash(tenantID, unescapeKeyPart(strings.TrimPrefix(keys[i], prefix)), fields)
		if snap.TenantID != tenantID {
			continue
		}
		if snap.Status != models.WorkerAvailable || !snap.Skills.Matches(capability) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// Get returns the cached snapshot for one worker. The bool is false on a miss.
func (d *Directory) Get(ctx context.Context, tenantID, workerID string) (models.WorkerSnapshot, bool, error) {
	fields, err := d.rdb.HGetAll(ctx, workerKey(tenantID, workerID)).Result()
	if err != nil {
		return models.WorkerSnapshot{}, false, fmt.Errorf("get worker snapshot: %w", err)
	}
	if len(fields) == 0 {
		return models.WorkerSnapshot{}, false, nil
	}
	return snapshotFromHash(tenantID, workerID, fields), true, nil
}

func snapshotFromHash(tenantID, workerID string, fields map[string]string) models.WorkerSnapshot {
	snap := models.WorkerSnapshot{
		TenantID: tenantID,
		WorkerID: workerID,
		Skills:   models.ParseSkills(fields["skills"]),
		Status:   models.WorkerStatus(fields["status"]),
		Cached:   true,
	}
	if v := fields["tenant_id"]; v != "" {
		snap.TenantID = v
	}
	if v := fields["worker_id"]; v != "" {
		snap.WorkerID = v
	}
	// Unparseable load counts as idle.
	if load, err := strconv.Atoi(fields["current_load"]); err == nil && load > 0 {
		snap.CurrentLoad = load
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		snap.UpdatedAt = ts
	}
	return snap
}
