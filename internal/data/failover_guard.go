package data

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// guardTTL bounds how long a failover claim can be held. A crashed
// process releases its distributed claim when the TTL expires.
const guardTTL = 5 * time.Minute

// FailoverGuard serializes failover handling per account. Acquire is a
// test-and-set: the caller that gets true owns the in-flight failover
// for that account and must Release when done. A second request for an
// account already held is rejected, never queued.
type FailoverGuard interface {
	Acquire(ctx context.Context, accountID int64) bool
	Release(ctx context.Context, accountID int64)
}

// failoverGuard combines an in-process mutex map with a Redis SETNX
// claim. The local map is authoritative within one process; the Redis
// key extends the guard across replicas when Redis is available.
type failoverGuard struct {
	mu     sync.Mutex
	held   map[int64]bool
	rdb    *redis.Client
	logger *log.Helper
}

// NewFailoverGuard creates a failover guard. The Redis client may be nil;
// the guard then only protects within this process.
func NewFailoverGuard(rdb *redis.Client, logger log.Logger) FailoverGuard {
	return &failoverGuard{
		held:   make(map[int64]bool),
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

func guardKey(accountID int64) string {
	return fmt.Sprintf("failover:guard:account:%d", accountID)
}

// Acquire claims the in-flight failover for an account. Returns false
// when another handler already holds it.
func (g *failoverGuard) Acquire(ctx context.Context, accountID int64) bool {
	g.mu.Lock()
	if g.held[accountID] {
		g.mu.Unlock()
		return false
	}
	g.held[accountID] = true
	g.mu.Unlock()

	if g.rdb == nil {
		return true
	}

	ok, err := g.rdb.SetNX(ctx, guardKey(accountID), "1", guardTTL).Result()
	if err != nil {
		// Redis being down must not block failover; the local claim holds.
		g.logger.Warnw("msg", "failover guard redis unavailable, using local guard only",
			"account_id", accountID,
			"error", err)
		return true
	}

	if !ok {
		// Another replica owns the failover.
		g.mu.Lock()
		delete(g.held, accountID)
		g.mu.Unlock()
		return false
	}

	return true
}

// Release returns the claim for an account.
func (g *failoverGuard) Release(ctx context.Context, accountID int64) {
	g.mu.Lock()
	delete(g.held, accountID)
	g.mu.Unlock()

	if g.rdb == nil {
		return
	}

	if err := g.rdb.Del(ctx, guardKey(accountID)).Err(); err != nil {
		g.logger.Warnw("msg", "failed to release distributed failover guard",
			"account_id", accountID,
			"error", err)
	}
}
