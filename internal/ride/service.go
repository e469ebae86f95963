// Package ride owns the ride lifecycle. Every transition is a conditional
// store update, and the accept race is decided by one NX lease per ride.
package ride

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/bridge"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	ReasonNoDriver = "no driver accepted"
	ReasonTimeout  = "timeout"

	// holder value of the ride lease while the system expires a ride
	systemHolder = "system"
)

type Service struct {
	store   storage.TripStore
	locks   lock.Locker
	pub     bridge.Publisher
	logger  *slog.Logger
	lockTTL time.Duration
	now     func() time.Time
	watch   *watchers
}

// NewService wires the state machine. lockTTL bounds the per-ride accept
// lease and should equal the dispatch accept timeout.
func NewService(store storage.TripStore, locks lock.Locker, pub bridge.Publisher, logger *slog.Logger, lockTTL time.Duration) *Service {
	return &Service{
		store:   store,
		locks:   locks,
		pub:     pub,
		logger:  logger,
		lockTTL: lockTTL,
		now:     time.Now,
		watch:   newWatchers(),
	}
}

// Get returns the stored ride, OTPs included.
func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.store.GetRide(ctx, rideID)
}

// Watch returns a channel signalled after every transition this process
// makes on rideID. Call stop when done.
func (s *Service) Watch(rideID string) (<-chan struct{}, func()) {
	return s.watch.add(rideID)
}

// Create stores a new requested ride with its OTP pair and joins the
// rider's connection to the ride room.
func (s *Service) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	startOTP, err := newOTP()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	stopOTP, err := newOTP()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	now := s.now()
	r := &models.Ride{
		ID:                uuid.NewString(),
		RiderID:           req.RiderID,
		RiderConnectionID: req.RiderConnectionID,
		Pickup:            req.Pickup,
		Dropoff:           req.Dropoff,
		Status:            models.StatusRequested,
		StartOTP:          startOTP,
		StopOTP:           stopOTP,
		RejectedDrivers:   []string{},
		NotifiedDrivers:   []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	s.logger.Info("ride created", "ride_id", r.ID, "rider_id", r.RiderID)
	if r.RiderConnectionID != "" {
		s.publish(ctx, events.RoomJoin(r.RiderConnectionID, r.ID))
	}
	return r, nil
}

// Accept assigns driverID to the ride if it wins the per-ride lease. Losers
// get a *models.TakenError.
func (s *Service) Accept(ctx context.Context, rideID, driverID, connID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driverId is required", models.ErrInvalidInput)
	}
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusRequested {
		return nil, s.notAcceptable(r)
	}

	won, err := s.locks.Acquire(ctx, lock.RideKey(rideID), driverID, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire ride lease %s: %w", rideID, err)
	}
	if !won {
		holder, _, err := s.locks.Peek(ctx, lock.RideKey(rideID))
		if err != nil {
			s.logger.Warn("peek ride lease", "ride_id", rideID, "error", err)
		}
		if holder == systemHolder {
			holder = ""
		}
		observability.LockConflicts.WithLabelValues("ride").Inc()
		observability.AcceptOutcomes.WithLabelValues("taken").Inc()
		return nil, &models.TakenError{RideID: rideID, AcceptedBy: holder}
	}

	at := s.now()
	ok, err := s.store.AssignDriver(ctx, rideID, driverID, at)
	if err != nil || !ok {
		s.releaseRideLease(ctx, rideID, driverID)
		if err != nil {
			return nil, err
		}
		// the ride moved on between the read and the lease
		if cur, gerr := s.store.GetRide(ctx, rideID); gerr == nil {
			return nil, s.notAcceptable(cur)
		}
		return nil, fmt.Errorf("%w: ride %s is no longer requested", models.ErrInvalidTransition, rideID)
	}

	r.Status = models.StatusAccepted
	r.DriverID = driverID
	r.UpdatedAt = at
	r = s.current(ctx, r)

	if _, err := s.locks.ReleaseIfHeld(ctx, lock.DriverKey(driverID), rideID); err != nil {
		s.logger.Warn("release driver lease", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	s.releaseOffers(ctx, r, driverID)

	observability.AcceptOutcomes.WithLabelValues("won").Inc()
	observability.RideTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID, "conn_id", connID)

	var msgs []events.Message
	if connID != "" {
		msgs = append(msgs, events.RoomJoin(connID, rideID))
	}
	if r.RiderConnectionID != "" {
		msgs = append(msgs, events.RoomJoin(r.RiderConnectionID, rideID))
	}
	msgs = append(msgs, events.RideTaken(rideID, driverID))
	if r.RiderConnectionID != "" {
		msgs = append(msgs, events.RideAccepted(r.RiderConnectionID, r))
	}
	if connID != "" {
		msgs = append(msgs, events.RideConfirmed(connID, r))
	}
	s.publish(ctx, msgs...)
	s.watch.notify(rideID)
	return r, nil
}

// notAcceptable maps a ride that is no longer requested to the accept error.
func (s *Service) notAcceptable(r *models.Ride) error {
	if r.DriverID != "" {
		observability.AcceptOutcomes.WithLabelValues("taken").Inc()
		return &models.TakenError{RideID: r.ID, AcceptedBy: r.DriverID}
	}
	observability.AcceptOutcomes.WithLabelValues("closed").Inc()
	return fmt.Errorf("%w: ride %s is %s", models.ErrInvalidTransition, r.ID, r.Status)
}

// Reject records that driverID declined the ride and frees the driver for
// other offers. The ride status is unchanged.
func (s *Service) Reject(ctx context.Context, rideID, driverID string) error {
	if driverID == "" {
		return fmt.Errorf("%w: driverId is required", models.ErrInvalidInput)
	}
	if err := s.store.AddRejectedDriver(ctx, rideID, driverID); err != nil {
		return err
	}
	if _, err := s.locks.ReleaseIfHeld(ctx, lock.DriverKey(driverID), rideID); err != nil {
		s.logger.Warn("release driver lease", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	s.logger.Info("ride rejected", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// MarkArrived records the driver's arrival at the pickup.
func (s *Service) MarkArrived(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	ok, err := s.store.MarkArrived(ctx, rideID, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transitionError(r, "mark arrived")
	}
	if r.DriverArrivedAt == nil {
		r.DriverArrivedAt = &at
	}
	r = s.current(ctx, r)
	s.logger.Info("driver arrived", "ride_id", rideID, "driver_id", r.DriverID)
	s.publish(ctx, events.DriverArrived(r))
	s.watch.notify(rideID)
	return r, nil
}

// Start moves an accepted ride to in_progress when otp matches the start OTP.
func (s *Service) Start(ctx context.Context, rideID, otp string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusAccepted {
		return nil, transitionError(r, "start")
	}
	if !otpMatches(otp, r.StartOTP) {
		return nil, models.ErrInvalidOTP
	}
	at := s.now()
	ok, err := s.store.StartRide(ctx, rideID, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %s changed before start", models.ErrInvalidTransition, rideID)
	}
	r.Status = models.StatusInProgress
	r.ActualStartTime = &at
	r = s.current(ctx, r)
	observability.RideTransitions.WithLabelValues(string(models.StatusInProgress)).Inc()
	s.logger.Info("ride started", "ride_id", rideID, "driver_id", r.DriverID)
	s.publish(ctx, events.RideStarted(r))
	s.watch.notify(rideID)
	return r, nil
}

// Complete moves an in-progress ride to completed when otp matches the stop OTP.
func (s *Service) Complete(ctx context.Context, rideID, otp string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusInProgress {
		return nil, transitionError(r, "complete")
	}
	if !otpMatches(otp, r.StopOTP) {
		return nil, models.ErrInvalidOTP
	}
	at := s.now()
	ok, err := s.store.CompleteRide(ctx, rideID, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %s changed before completion", models.ErrInvalidTransition, rideID)
	}
	r.Status = models.StatusCompleted
	r.ActualEndTime = &at
	r = s.current(ctx, r)
	observability.RideTransitions.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.logger.Info("ride completed", "ride_id", rideID, "driver_id", r.DriverID)
	s.publish(ctx, events.RideCompleted(r))
	s.watch.notify(rideID)
	return r, nil
}

// Cancel moves any non-terminal ride to cancelled on behalf of by.
func (s *Service) Cancel(ctx context.Context, rideID string, by models.CancelledBy, reason string) (*models.Ride, error) {
	if !by.Valid() {
		return nil, fmt.Errorf("%w: cancelledBy %q", models.ErrInvalidInput, by)
	}
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !r.Status.Cancellable() {
		return nil, transitionError(r, "cancel")
	}
	return s.cancel(ctx, r, by, reason)
}

// Expire cancels the ride on behalf of the system only if it is still
// requested. It takes the ride lease first so no accept can slip in between
// the check and the update. It reports whether the ride was cancelled.
func (s *Service) Expire(ctx context.Context, rideID, reason string) (bool, error) {
	won, err := s.locks.Acquire(ctx, lock.RideKey(rideID), systemHolder, s.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire ride lease %s: %w", rideID, err)
	}
	if !won {
		// an accept holds the lease and is resolving the ride
		return false, nil
	}
	defer s.releaseRideLease(ctx, rideID, systemHolder)

	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return false, err
	}
	if r.Status != models.StatusRequested {
		return false, nil
	}
	if _, err := s.cancel(ctx, r, models.CancelledBySystem, reason); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) cancel(ctx context.Context, r *models.Ride, by models.CancelledBy, reason string) (*models.Ride, error) {
	at := s.now()
	ok, err := s.store.CancelRide(ctx, r.ID, by, reason, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %s changed before cancellation", models.ErrInvalidTransition, r.ID)
	}
	r.Status = models.StatusCancelled
	r.CancelledBy = by
	r.CancellationReason = reason
	r.UpdatedAt = at
	r = s.current(ctx, r)

	s.releaseOffers(ctx, r, "")
	if r.DriverID != "" {
		if _, err := s.locks.ReleaseIfHeld(ctx, lock.DriverKey(r.DriverID), r.ID); err != nil {
			s.logger.Warn("release driver lease", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
		}
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.logger.Info("ride cancelled", "ride_id", r.ID, "cancelled_by", by, "reason", reason)
	s.publish(ctx, events.RideCancelled(r, reason))
	s.watch.notify(r.ID)
	return r, nil
}

// releaseOffers frees the leases that notified drivers still hold for r,
// except keep.
func (s *Service) releaseOffers(ctx context.Context, r *models.Ride, keep string) {
	for _, d := range r.NotifiedDrivers {
		if d == keep {
			continue
		}
		if _, err := s.locks.ReleaseIfHeld(ctx, lock.DriverKey(d), r.ID); err != nil {
			s.logger.Warn("release offer lease", "ride_id", r.ID, "driver_id", d, "error", err)
		}
	}
}

func (s *Service) releaseRideLease(ctx context.Context, rideID, holder string) {
	if _, err := s.locks.ReleaseIfHeld(ctx, lock.RideKey(rideID), holder); err != nil {
		s.logger.Warn("release ride lease", "ride_id", rideID, "error", err)
	}
}

// current reloads the ride after a transition, falling back to the locally
// updated copy if the read fails.
func (s *Service) current(ctx context.Context, r *models.Ride) *models.Ride {
	fresh, err := s.store.GetRide(ctx, r.ID)
	if err != nil {
		s.logger.Warn("reload ride", "ride_id", r.ID, "error", err)
		return r
	}
	return fresh
}

func (s *Service) publish(ctx context.Context, msgs ...events.Message) {
	for _, m := range msgs {
		if err := s.pub.Publish(ctx, m); err != nil {
			s.logger.Warn("publish event", "type", m.Type, "target", m.Target.ID, "error", err)
		}
	}
}

func transitionError(r *models.Ride, op string) error {
	return fmt.Errorf("%w: cannot %s a ride that is %s", models.ErrInvalidTransition, op, r.Status)
}

func otpMatches(got, want string) bool {
	return want != "" && len(got) == len(want) && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
