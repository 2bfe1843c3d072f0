package worker

import (
	"context"
	"errors"
	"sync"

	redislock "github.com/streamly-studio/backend/pkg/redis"
)

// Guard admits one holder per key inside this process.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryAcquire claims key. ok is false when another goroutine holds it.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.active[key]; held {
		return nil, false
	}
	g.active[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
		})
	}, true
}

// Lease is a held cross-process lock.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// DistributedLock claims a key across worker processes.
type DistributedLock interface {
	// TryLock returns ErrLockHeld (wrapped) when another process holds key.
	TryLock(ctx context.Context, key string) (Lease, error)
}

// ErrLockHeld reports a key claimed by another process.
var ErrLockHeld = redislock.ErrLockHeld

type redisLock struct {
	l *redislock.Locker
}

// NewRedisLock adapts the redsync locker.
func NewRedisLock(l *redislock.Locker) DistributedLock {
	return redisLock{l: l}
}

func (r redisLock) TryLock(ctx context.Context, key string) (Lease, error) {
	lease, err := r.l.TryLock(ctx, key)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func isLockHeld(err error) bool {
	return errors.Is(err, ErrLockHeld)
}
