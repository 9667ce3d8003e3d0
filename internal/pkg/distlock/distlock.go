package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Factory builds a lock for a key. Services hold a Factory rather than a
// concrete backend so single-node deployments can run without Redis.
type Factory func(key string, ttl time.Duration) DistLock

// NewFactory returns a Redis-backed factory when client is non-nil and an
// in-process one otherwise.
func NewFactory(client *redis.Client) Factory {
	if client != nil {
		return func(key string, ttl time.Duration) DistLock {
			return NewRedisLock(client, key, ttl)
		}
	}
	return func(key string, _ time.Duration) DistLock {
		return NewLocalLock(key)
	}
}

// =============================================================================
// Process-local lock (fallback when Redis is unavailable)
// =============================================================================

var localHeld = struct {
	sync.Mutex
	keys map[string]struct{}
}{keys: make(map[string]struct{})}

// LocalLock implements DistLock within a single process. It only guards
// against concurrent callers in the same binary.
type LocalLock struct {
	key   string
	owned bool
}

// NewLocalLock creates a process-local lock for key.
func NewLocalLock(key string) *LocalLock {
	return &LocalLock{key: key}
}

// Acquire is non-blocking.
func (l *LocalLock) Acquire(_ context.Context) (bool, error) {
	localHeld.Lock()
	defer localHeld.Unlock()
	if _, held := localHeld.keys[l.key]; held {
		return false, nil
	}
	localHeld.keys[l.key] = struct{}{}
	l.owned = true
	return true, nil
}

// Release releases the lock if this instance owns it.
func (l *LocalLock) Release(_ context.Context) error {
	localHeld.Lock()
	defer localHeld.Unlock()
	if l.owned {
		delete(localHeld.keys, l.key)
		l.owned = false
	}
	return nil
}
