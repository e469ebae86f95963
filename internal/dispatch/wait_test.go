package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUntil(t *testing.T) {
	ctx := context.Background()

	t.Run("already true", func(t *testing.T) {
		ok, err := waitUntil(ctx, time.Second, time.Second, nil, func(context.Context) (bool, error) { return true, nil })
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("times out", func(t *testing.T) {
		var checks int32
		start := time.Now()
		ok, err := waitUntil(ctx, 50*time.Millisecond, 10*time.Millisecond, nil, func(context.Context) (bool, error) {
			atomic.AddInt32(&checks, 1)
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Greater(t, atomic.LoadInt32(&checks), int32(2), "polled on every tick")
	})

	t.Run("wake rechecks early", func(t *testing.T) {
		wake := make(chan struct{}, 1)
		var flipped atomic.Bool
		go func() {
			time.Sleep(20 * time.Millisecond)
			flipped.Store(true)
			wake <- struct{}{}
		}()
		start := time.Now()
		ok, err := waitUntil(ctx, 5*time.Second, time.Hour, wake, func(context.Context) (bool, error) {
			return flipped.Load(), nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("condition error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := waitUntil(ctx, time.Second, time.Millisecond, nil, func(context.Context) (bool, error) { return false, boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("context cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := waitUntil(cctx, time.Second, time.Hour, nil, func(context.Context) (bool, error) { return false, nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
