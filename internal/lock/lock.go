// Package lock provides TTL-bound exclusive leases. Acquisition is always
// "set if not exists": there is intentionally no overwrite mode.
package lock

import (
	"context"
	"time"
)

// Locker is the lease contract shared by every server instance.
type Locker interface {
	// Acquire sets key=value with ttl only if key is absent.
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Release deletes key unconditionally. Releasing a missing key is a no-op.
	Release(ctx context.Context, key string) error
	// ReleaseIfHeld deletes key only while value is its current holder.
	ReleaseIfHeld(ctx context.Context, key, value string) (bool, error)
	// Peek returns the current holder, if any.
	Peek(ctx context.Context, key string) (string, bool, error)
}

func DriverKey(driverID string) string { return "lock:driver:" + driverID }

func RideKey(rideID string) string { return "lock:ride:" + rideID }
