package stats

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants a named run slot for ttl. Acquire reports false while an
// earlier slot is still held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLock keeps the slot in redis so that several replicas share it.
type RedisLock struct {
	Client *redis.Client
	Prefix string
}

// Acquire implements Locker.
func (l RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, l.Prefix+key, time.Now().Unix(), ttl).Result()
}

// Release implements Locker.
func (l RedisLock) Release(ctx context.Context, key string) error {
	return l.Client.Del(ctx, l.Prefix+key).Err()
}

// MemoryLock is the single-process Locker.
type MemoryLock struct {
	mu    sync.Mutex
	until map[string]time.Time
	Now   func() time.Time
}

func (l *MemoryLock) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquire implements Locker.
func (l *MemoryLock) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.until[key]; ok && now.Before(until) {
		return false, nil
	}
	if l.until == nil {
		l.until = make(map[string]time.Time)
	}
	l.until[key] = now.Add(ttl)
	return true, nil
}

// Release implements Locker.
func (l *MemoryLock) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.until, key)
	return nil
}
