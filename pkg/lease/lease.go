// SPDX-License-Identifier: Apache-2.0

// Package lease coordinates probe ownership across monitor processes with
// short-TTL Redis keys. Holding the lease for an identity grants exclusive
// probe rights for the TTL window; the TTL exceeds the longest probe
// timeout so a lease cannot expire mid-probe.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/modelpulse/pulse/pkg/health"
)

// TTL is the lease lifetime. Must exceed the longest per-tier probe
// timeout (60s); equality is enough because the probe starts strictly
// after acquisition.
const TTL = 60 * time.Second

const keyPrefix = "health_check_lock:"

// Coordinator filters probe candidates down to the ones this worker owns.
type Coordinator interface {
	// TryAcquire attempts to take the lease for an identity. It reports
	// whether the candidate should be retained by this worker.
	TryAcquire(ctx context.Context, id health.ModelIdentity) bool
}

// RedisCoordinator implements Coordinator on Redis SET NX. When Redis is
// unavailable it degrades to retaining every candidate, accepting
// duplicate probes across workers in exchange for availability.
type RedisCoordinator struct {
	client   redis.Cmdable
	workerID string

	mu       sync.Mutex
	lastWarn time.Time
}

// NewRedisCoordinator creates a coordinator with a random worker identity.
func NewRedisCoordinator(client redis.Cmdable) *RedisCoordinator {
	return &RedisCoordinator{
		client:   client,
		workerID: uuid.NewString(),
	}
}

// WorkerID returns this coordinator's identity, as written into lease keys.
func (c *RedisCoordinator) WorkerID() string {
	return c.workerID
}

// TryAcquire implements Coordinator.
func (c *RedisCoordinator) TryAcquire(ctx context.Context, id health.ModelIdentity) bool {
	key := keyPrefix + id.Provider + ":" + id.Model + ":" + id.Gateway
	ok, err := c.client.SetNX(ctx, key, c.workerID, TTL).Result()
	if err != nil {
		c.warnOnce(ctx, err)
		return true
	}
	return ok
}

// warnOnce logs the degradation at most once per minute so a Redis outage
// does not flood the logs while checks continue un-coordinated.
func (c *RedisCoordinator) warnOnce(ctx context.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastWarn) < time.Minute {
		return
	}
	c.lastWarn = time.Now()
	slog.Default().WarnContext(ctx, "lease.coordination.degraded",
		slog.String("worker_id", c.workerID),
		slog.String("error", err.Error()),
	)
}

// NoopCoordinator retains every candidate. Used when redis_coordination is
// disabled or no Redis client is configured.
type NoopCoordinator struct{}

// TryAcquire implements Coordinator.
func (NoopCoordinator) TryAcquire(context.Context, health.ModelIdentity) bool {
	return true
}
