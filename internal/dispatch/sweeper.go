package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

const sweepBatch = 100

// Sweeper cancels rides stuck in requested longer than any search could
// take, e.g. because their job never reached a worker.
type Sweeper struct {
	store    storage.TripStore
	rides    Resolver
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(store storage.TripStore, rides Resolver, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, rides: rides, interval: interval, maxAge: maxAge, logger: logger, now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce cancels one batch of stale rides and returns how many it cancelled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ListRequestedBefore(ctx, s.now().Add(-s.maxAge), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := s.rides.Expire(ctx, id, ride.ReasonTimeout)
		if err != nil {
			s.logger.Warn("expire stale ride", "ride_id", id, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		observability.RidesSwept.Add(float64(n))
		s.logger.Info("stale rides cancelled", "count", n)
	}
	return n, nil
}
