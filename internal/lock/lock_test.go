package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name    string
	locker  Locker
	advance func(d time.Duration)
}

func backends(t *testing.T) []backend {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := NewMemoryLocker()
	var offset time.Duration
	var mu sync.Mutex
	base := time.Now()
	mem.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}

	return []backend{
		{name: "redis", locker: NewRedisLocker(client), advance: mr.FastForward},
		{name: "memory", locker: mem, advance: func(d time.Duration) {
			mu.Lock()
			offset += d
			mu.Unlock()
		}},
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := b.locker.Acquire(ctx, DriverKey("d1"), "r1", 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.locker.Acquire(ctx, DriverKey("d1"), "r2", 30*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second NX acquire must fail while the lease is live")

			holder, held, err := b.locker.Peek(ctx, DriverKey("d1"))
			require.NoError(t, err)
			assert.True(t, held)
			assert.Equal(t, "r1", holder)
		})
	}
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := b.locker.Acquire(ctx, DriverKey("d1"), "r1", 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			b.advance(31 * time.Second)

			_, held, err := b.locker.Peek(ctx, DriverKey("d1"))
			require.NoError(t, err)
			assert.False(t, held)

			ok, err = b.locker.Acquire(ctx, DriverKey("d1"), "r2", 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "driver must be lockable for another ride once the lease expired")
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.locker.Acquire(ctx, RideKey("r1"), "d1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, b.locker.Release(ctx, RideKey("r1")))
			require.NoError(t, b.locker.Release(ctx, RideKey("r1")))

			_, held, err := b.locker.Peek(ctx, RideKey("r1"))
			require.NoError(t, err)
			assert.False(t, held)
		})
	}
}

func TestReleaseIfHeldOnlyDeletesOwnLease(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.locker.Acquire(ctx, DriverKey("d1"), "r1", time.Minute)
			require.NoError(t, err)

			released, err := b.locker.ReleaseIfHeld(ctx, DriverKey("d1"), "r2")
			require.NoError(t, err)
			assert.False(t, released)

			released, err = b.locker.ReleaseIfHeld(ctx, DriverKey("d1"), "r1")
			require.NoError(t, err)
			assert.True(t, released)

			_, held, err := b.locker.Peek(ctx, DriverKey("d1"))
			require.NoError(t, err)
			assert.False(t, held)
		})
	}
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := b.locker.Acquire(ctx, RideKey("r1"), string(rune('a'+i)), time.Minute)
					assert.NoError(t, err)
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}

func TestRedisAcquireRejectsNonPositiveTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := NewRedisLocker(client).Acquire(context.Background(), DriverKey("d1"), "r1", 0)
	assert.Error(t, err)
}
