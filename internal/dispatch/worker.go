// Package dispatch runs the matching loop for queued rides: search an
// expanding radius, lease and offer nearby drivers, wait for the ride to
// resolve, and cancel it once every radius is exhausted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/bridge"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	Radii         []float64 // meters, strictly increasing
	Limit         int
	AcceptTimeout time.Duration
	PollInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Radii:         []float64{3000, 6000, 9000, 12000},
		Limit:         10,
		AcceptTimeout: 30 * time.Second,
		PollInterval:  500 * time.Millisecond,
	}
}

// MaxSearchAge is how long a ride can legitimately stay requested while a
// worker searches every radius, plus a minute of slack.
func (c Config) MaxSearchAge() time.Duration {
	return time.Duration(len(c.Radii))*c.AcceptTimeout + time.Minute
}

// Resolver closes out rides the search could not match.
type Resolver interface {
	Expire(ctx context.Context, rideID, reason string) (bool, error)
}

// watcher is implemented by resolvers that can signal local transitions.
type watcher interface {
	Watch(rideID string) (<-chan struct{}, func())
}

// ETA prices the drive from a driver to the pickup.
type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

type Worker struct {
	cfg      Config
	store    storage.TripStore
	registry geo.Registry
	locks    lock.Locker
	pub      bridge.Publisher
	rides    Resolver
	eta      ETA
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker builds a worker. eta may be nil, in which case offers carry no ETA.
func NewWorker(cfg Config, store storage.TripStore, registry geo.Registry, locks lock.Locker, pub bridge.Publisher, rides Resolver, eta ETA, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    store,
		registry: registry,
		locks:    locks,
		pub:      pub,
		rides:    rides,
		eta:      eta,
		logger:   logger,
		now:      time.Now,
	}
}

// Process runs the search for one job. It is safe to run again for the same
// ride: leases already held for the ride count as live offers. Returned
// errors are infrastructure failures worth a retry.
func (w *Worker) Process(ctx context.Context, job models.DispatchJob) error {
	started := w.now()
	log := w.logger.With("ride_id", job.RideID)

	r, err := w.store.GetRide(ctx, job.RideID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("dispatch job for unknown ride")
		observability.DispatchJobs.WithLabelValues("missing").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ride %s: %w", job.RideID, err)
	}
	if r.Status != models.StatusRequested {
		observability.DispatchJobs.WithLabelValues("skipped").Inc()
		return nil
	}

	var wake <-chan struct{}
	if wt, ok := w.rides.(watcher); ok {
		ch, stop := wt.Watch(job.RideID)
		defer stop()
		wake = ch
	}

	for _, radius := range w.cfg.Radii {
		r, err = w.store.GetRide(ctx, job.RideID)
		if err != nil {
			return fmt.Errorf("reload ride %s: %w", job.RideID, err)
		}
		if r.Status != models.StatusRequested {
			w.resolved(log, started, r.Status)
			return nil
		}

		observability.RadiusSearches.WithLabelValues(strconv.FormatFloat(radius, 'f', -1, 64)).Inc()
		cands, err := w.registry.Query(ctx, r.Pickup, radius, w.cfg.Limit, r.RejectedDrivers)
		if err != nil {
			return fmt.Errorf("query drivers for %s: %w", job.RideID, err)
		}
		if len(cands) == 0 {
			log.Debug("no drivers in radius", "radius_m", radius)
			continue
		}

		live, err := w.offer(ctx, log, r, cands)
		if err != nil {
			return fmt.Errorf("offer ride %s: %w", job.RideID, err)
		}
		log.Info("offers out", "radius_m", radius, "candidates", len(cands), "live", len(live))

		// candidates leased to other rides may free up before the next radius
		done, err := waitUntil(ctx, w.cfg.AcceptTimeout, w.cfg.PollInterval, wake, func(ctx context.Context) (bool, error) {
			cur, err := w.store.GetRide(ctx, job.RideID)
			if err != nil {
				return false, err
			}
			r = cur
			return cur.Status != models.StatusRequested, nil
		})
		if err != nil {
			return fmt.Errorf("wait on ride %s: %w", job.RideID, err)
		}
		if done {
			w.resolved(log, started, r.Status)
			return nil
		}
		// unanswered offers lapse; free those drivers for the next round
		for _, d := range live {
			w.release(ctx, log.With("driver_id", d), lock.DriverKey(d), job.RideID)
		}
	}

	cancelled, err := w.rides.Expire(ctx, job.RideID, ride.ReasonNoDriver)
	if err != nil {
		return fmt.Errorf("expire ride %s: %w", job.RideID, err)
	}
	if cancelled {
		log.Info("no driver accepted, ride cancelled")
		observability.DispatchJobs.WithLabelValues("exhausted").Inc()
		observability.DispatchLatency.Observe(w.now().Sub(started).Seconds())
		return nil
	}
	w.resolved(log, started, "")
	return nil
}

func (w *Worker) resolved(log *slog.Logger, started time.Time, status models.RideStatus) {
	log.Info("ride resolved during dispatch", "status", status)
	observability.DispatchJobs.WithLabelValues("resolved").Inc()
	observability.DispatchLatency.Observe(w.now().Sub(started).Seconds())
}

// offer leases and notifies each candidate and returns the drivers holding
// a live offer for the ride. A failure to record the offer aborts the round
// with the driver's lease released.
func (w *Worker) offer(ctx context.Context, log *slog.Logger, r *models.Ride, cands []models.Candidate) ([]string, error) {
	var live []string
	expires := w.now().Add(w.cfg.AcceptTimeout)
	for _, c := range cands {
		dlog := log.With("driver_id", c.DriverID)
		key := lock.DriverKey(c.DriverID)

		won, err := w.locks.Acquire(ctx, key, r.ID, w.cfg.AcceptTimeout)
		if err != nil {
			dlog.Warn("lease driver", "error", err)
			continue
		}
		if !won {
			holder, held, err := w.locks.Peek(ctx, key)
			if err == nil && held && holder == r.ID {
				// offered by an earlier attempt of this job
				live = append(live, c.DriverID)
				continue
			}
			observability.LockConflicts.WithLabelValues("driver").Inc()
			continue
		}

		if err := w.store.AddNotifiedDriver(ctx, r.ID, c.DriverID); err != nil {
			w.release(ctx, dlog, key, r.ID)
			return live, fmt.Errorf("record notified driver %s: %w", c.DriverID, err)
		}
		connID, ok, err := w.registry.LookupConnection(ctx, c.DriverID)
		if err != nil || !ok {
			dlog.Info("driver has no connection", "error", err)
			w.release(ctx, dlog, key, r.ID)
			continue
		}
		payload := events.RideOfferedPayload{
			RideID:    r.ID,
			Pickup:    r.Pickup,
			Dropoff:   r.Dropoff,
			ExpiresAt: expires,
		}
		if w.eta != nil {
			payload.ETASeconds = w.eta.Seconds(ctx, c.Loc, r.Pickup)
		}
		if err := w.pub.Publish(ctx, events.RideOffered(connID, payload)); err != nil {
			dlog.Warn("publish offer", "conn_id", connID, "error", err)
			w.release(ctx, dlog, key, r.ID)
			continue
		}
		observability.OffersSent.Inc()
		live = append(live, c.DriverID)
	}
	return live, nil
}

func (w *Worker) release(ctx context.Context, log *slog.Logger, key, rideID string) {
	if _, err := w.locks.ReleaseIfHeld(ctx, key, rideID); err != nil {
		log.Warn("release driver lease", "error", err)
	}
}
