package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultLease = 30 * time.Second

// Reservation is a held lease on one worker. Token identifies the holder.
type Reservation struct {
	TenantID string
	WorkerID string
	Token    string
	Key      string
}

// Locker hands out short exclusive leases on workers so that concurrent
// assigners cannot pick the same worker from the same stale snapshot.
type Locker struct {
	rdb redis.Cmdable
}

func NewLocker(rdb redis.Cmdable) *Locker {
	return &Locker{rdb: rdb}
}

func lockKey(tenantID, workerID string) string {
	return "lock:worker:" + keyPart(tenantID) + ":" + keyPart(workerID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAcquire takes the lease with a single SET NX PX. It reports false without
// error when somebody else holds it.
func (l *Locker) TryAcquire(ctx context.Context, tenantID, workerID string, lease time.Duration) (Reservation, bool, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	res := Reservation{
		TenantID: tenantID,
		WorkerID: workerID,
		Token:    uuid.NewString(),
		Key:      lockKey(tenantID, workerID),
	}
	ok, err := l.rdb.SetNX(ctx, res.Key, res.Token, lease).Result()
	if err != nil {
		return Reservation{}, false, fmt.Errorf("acquire reservation %s: %w", res.Key, err)
	}
	if !ok {
		return Reservation{}, false, nil
	}
	return res, true, nil
}

// Release deletes the lease only if it is still owned by res.
func (l *Locker) Release(ctx context.Context, res Reservation) error {
	if res.Key == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{res.Key}, res.Token).Err(); err != nil {
		return fmt.Errorf("release reservation %s: %w", res.Key, err)
	}
	return nil
}
