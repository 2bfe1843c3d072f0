package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another worker")

// Locker hands out named mutexes shared by every process using the same Redis.
type Locker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

// NewLocker creates a redsync-backed locker. expiry bounds how long a crashed holder blocks the key;
// holders extend it while working.
func NewLocker(client goredislib.UniversalClient, prefix string, expiry time.Duration) *Locker {
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: expiry,
	}
}

// Lease is a held lock.
type Lease struct {
	mu *redsync.Mutex
}

// TryLock acquires key without waiting. Returns ErrLockHeld when taken.
func (l *Locker) TryLock(ctx context.Context, key string) (*Lease, error) {
	mu := l.rs.NewMutex(l.prefix+key, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mu.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lock %s: %w (%v)", key, ErrLockHeld, err)
	}
	return &Lease{mu: mu}, nil
}

// Extend pushes the lease expiry forward.
func (l *Lease) Extend(ctx context.Context) error {
	ok, err := l.mu.ExtendContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release frees the lease.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.mu.UnlockContext(ctx)
	return err
}
