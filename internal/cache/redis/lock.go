package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua refreshes a lock's TTL only while the caller's token still owns
// the key.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// unlockTimeout bounds the release round trip; unlocks run on a background
// context because callers typically release during shutdown, after their own
// context ended.
const unlockTimeout = 5 * time.Second

// LockManager implements domain.LockManager using Redis SETNX with a TTL and
// a Lua-based conditional unlock. The engine takes one lock per LIVE profile
// so two instances never trade the same account.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to obtain a distributed lock for the given key with the
// specified TTL. On success it returns an unlock function; the function is
// safe to call from multiple goroutines and runs the release once. A
// background keepalive refreshes the TTL until unlock is called, so the TTL
// bounds takeover after a crash rather than how long the lock may be held.
//
// It returns domain.ErrLockHeld if the lock is already held by another party.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	stop := make(chan struct{})
	go lm.keepAlive(lk, token, ttl, stop)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)

			unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()

			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}

	return unlock, nil
}

// keepAlive extends the lock at a third of its TTL until stop closes or
// ownership is lost. Transient Redis errors leave the key to its remaining
// TTL and retry on the next tick.
func (lm *LockManager) keepAlive(lk, token string, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			n, err := lm.extendSc.Run(extendCtx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				continue
			}
			if n == 0 {
				return
			}
		}
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
