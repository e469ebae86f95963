package dispatch

import (
	"context"
	"time"
)

// waitUntil re-checks cond every interval, and whenever wake fires, until
// it holds or timeout elapses. A final check runs at the deadline. Only the
// calling goroutine is suspended.
func waitUntil(ctx context.Context, timeout, interval time.Duration, wake <-chan struct{}, cond func(context.Context) (bool, error)) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		ok, err := cond(ctx)
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return cond(ctx)
		case <-tick.C:
		case <-wake:
		}
	}
}
