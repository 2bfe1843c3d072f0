package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerExclusive(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewLocker(client, "reconstruct:", 30*time.Second)

	lease, err := l.TryLock(ctx, "s1/a")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "s1/a")
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := l.TryLock(ctx, "s1/b")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Extend(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := l.TryLock(ctx, "s1/a")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
