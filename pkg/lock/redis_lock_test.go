package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewRedisLocker(client, "indexer:", 10*time.Second)
	ctx := context.Background()

	first := locker.NewLock("31337")
	second := locker.NewLock("31337")
	assert.Equal(t, "indexer:31337", first.Key())

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一 key 的第二个持有者拿不到锁
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者不能释放
	assert.ErrorIs(t, second.Release(ctx), ErrLockNotHeld)

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Extend(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewRedisLocker(client, "", 5*time.Second)
	ctx := context.Background()

	l := locker.NewLock("k")
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	// 过期后续期失败
	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, l.Extend(ctx, time.Minute), ErrLockNotHeld)
}

func TestRedisLock_AcquireOrWait_ContextCanceled(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewRedisLocker(client, "", time.Minute)

	holder := locker.NewLock("k")
	ok, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = locker.NewLock("k").AcquireOrWait(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLock_KeepAlive_ReportsLoss(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewRedisLocker(client, "", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := locker.NewLock("k")
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 被其他进程抢占
	mr.Set("k", "someone-else")

	lost := l.KeepAlive(ctx, 10*time.Millisecond)
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrLockNotHeld)
	case <-time.After(2 * time.Second):
		t.Fatal("lock loss not reported")
	}
}

func TestRedisLocker_WithLock(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewRedisLocker(client, "", 0)
	ctx := context.Background()

	called := false
	err := locker.WithLock(ctx, "job", func(ctx context.Context) error {
		called = true
		// 持有期间再次获取失败
		return locker.WithLock(ctx, "job", func(context.Context) error { return nil })
	})
	assert.True(t, called)
	assert.ErrorIs(t, err, ErrLockAcquireFailed)
}
