package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewLocker(client, time.Second, 0)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrLockHeld)

	release()
	release()

	again, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	again()
	require.False(t, mr.Exists("k"))
}

func TestLockerExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewLocker(client, time.Second, 0)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	release()
}
