package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (r *recorder) Publish(ctx context.Context, msg events.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) ofType(t events.Type) []events.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func ridePayload(t *testing.T, m events.Message) events.RidePayload {
	t.Helper()
	var p events.RidePayload
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	return p
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	locks *lock.MemoryLocker
	pub   *recorder
}

func newFixture() *fixture {
	f := &fixture{store: storage.NewMemoryStore(), locks: lock.NewMemoryLocker(), pub: &recorder{}}
	f.svc = NewService(f.store, f.locks, f.pub, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)
	return f
}

func (f *fixture) create(t *testing.T) *models.Ride {
	t.Helper()
	r, err := f.svc.Create(context.Background(), models.RideRequest{
		RiderID:           "rider-1",
		RiderConnectionID: "rider-conn",
		Pickup:            models.Coord{Lat: 12.9716, Lon: 77.5946},
		Dropoff:           models.Coord{Lat: 12.9352, Lon: 77.6245},
	})
	require.NoError(t, err)
	return r
}

func TestCreateGeneratesOTPsAndJoinsRider(t *testing.T) {
	f := newFixture()
	r := f.create(t)

	assert.Equal(t, models.StatusRequested, r.Status)
	for _, otp := range []string{r.StartOTP, r.StopOTP} {
		n, err := strconv.Atoi(otp)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1000)
		assert.LessOrEqual(t, n, 9999)
	}
	stored, err := f.store.GetRide(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.StartOTP, stored.StartOTP)

	joins := f.pub.ofType(events.TypeRoomJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "rider-conn", joins[0].Target.ID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Create(context.Background(), models.RideRequest{
		RiderID: "rider-1",
		Pickup:  models.Coord{Lat: math.NaN(), Lon: 77.5},
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.svc.Create(context.Background(), models.RideRequest{Pickup: models.Coord{Lat: 1, Lon: 1}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestConcurrentAcceptsHaveExactlyOneWinner(t *testing.T) {
	f := newFixture()
	r := f.create(t)
	ctx := context.Background()

	const n = 20
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Accept(ctx, r.ID, fmt.Sprintf("d%d", i), fmt.Sprintf("c%d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "second winner d%d", i)
			winner = i
			continue
		}
		var taken *models.TakenError
		require.True(t, errors.As(err, &taken), "d%d got %v", i, err)
		assert.ErrorIs(t, err, models.ErrAlreadyTaken)
	}
	require.NotEqual(t, -1, winner)

	stored, err := f.store.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Equal(t, fmt.Sprintf("d%d", winner), stored.DriverID)
	assert.Len(t, f.pub.ofType(events.TypeRideTaken), 1)
}

func TestAcceptEventsKeepOTPsFromDriver(t *testing.T) {
	f := newFixture()
	r := f.create(t)

	_, err := f.svc.Accept(context.Background(), r.ID, "d1", "driver-conn")
	require.NoError(t, err)

	accepted := f.pub.ofType(events.TypeRideAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "rider-conn", accepted[0].Target.ID)
	assert.Equal(t, r.StartOTP, ridePayload(t, accepted[0]).Ride.StartOTP)

	confirmed := f.pub.ofType(events.TypeRideConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "driver-conn", confirmed[0].Target.ID)
	p := ridePayload(t, confirmed[0])
	assert.Empty(t, p.Ride.StartOTP)
	assert.Empty(t, p.Ride.StopOTP)
	assert.Equal(t, "d1", p.Ride.DriverID)

	taken := f.pub.ofType(events.TypeRideTaken)
	require.Len(t, taken, 1)
	assert.Equal(t, events.ToDrivers(), taken[0].Target)

	var joined []string
	for _, m := range f.pub.ofType(events.TypeRoomJoin) {
		joined = append(joined, m.Target.ID)
	}
	assert.Contains(t, joined, "driver-conn")
	assert.Contains(t, joined, "rider-conn")
}

func TestAcceptReleasesOtherOfferLeases(t *testing.T) {
	f := newFixture()
	r := f.create(t)
	ctx := context.Background()

	for _, d := range []string{"d1", "d2"} {
		ok, err := f.locks.Acquire(ctx, lock.DriverKey(d), r.ID, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, f.store.AddNotifiedDriver(ctx, r.ID, d))
	}
	// d3 was notified for this ride but is now held by another one
	require.NoError(t, f.store.AddNotifiedDriver(ctx, r.ID, "d3"))
	_, err := f.locks.Acquire(ctx, lock.DriverKey("d3"), "other-ride", time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, r.ID, "d1", "c1")
	require.NoError(t, err)

	for _, d := range []string{"d1", "d2"} {
		_, held, err := f.locks.Peek(ctx, lock.DriverKey(d))
		require.NoError(t, err)
		assert.False(t, held, "%s lease should be released", d)
	}
	holder, held, err := f.locks.Peek(ctx, lock.DriverKey("d3"))
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "other-ride", holder)
}

func TestAcceptAfterCancelIsInvalidTransition(t *testing.T) {
	f := newFixture()
	r := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, r.ID, models.CancelledByRider, "changed plans")
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, r.ID, "d1", "c1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.NotErrorIs(t, err, models.ErrAlreadyTaken)

	_, err = f.svc.Accept(ctx, "missing", "d1", "c1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStartAndCompleteRequireExactOTP(t *testing.T) {
	f := newFixture()
	r := f.create(t)
	ctx := context.Background()
	_, err := f.svc.Accept(ctx, r.ID, "d1", "c1")
	require.NoError(t, err)

	wrong := "0000"
	_, err = f.svc.Start(ctx, r.ID, wrong)
	assert.ErrorIs(t, err, models.ErrInvalidOTP)
	_, err = f.svc.Start(ctx, r.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidOTP)

	stored, err := f.store.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Nil(t, stored.ActualStartTime)
	assert.Empty(t, f.pub.ofType(events.TypeRideStarted))

	started, err := f.svc.Start(ctx, r.ID, r.StartOTP)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)
	assert.NotNil(t, started.ActualStartTime)

	if r.StopOTP != r.StartOTP {
		_, err = f.svc.Complete(ctx, r.ID, r.StartOTP)
		assert.ErrorIs(t, err, models.ErrInvalidOTP)
	}
	done, err := f.svc.Complete(ctx, r.ID, r.StopOTP)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.ActualEndTime)

	rs := f.pub.ofType(events.TypeRideCompleted)
	require.Len(t, rs, 1)
	assert.Equal(t, events.RoomName(r.ID), rs[0].Target.ID)
	assert.Empty(t, ridePayload(t, rs[0]).Ride.StopOTP)
}

func TestTransitionGuards(t *testing.T) {
	f := newFixture()
	r := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, r.ID, r.StartOTP)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.svc.Complete(ctx, r.ID, r.StopOTP)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.svc.MarkArrived(ctx, r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.svc.Accept(ctx, r.ID, "d1", "c1")
	require.NoError(t, err)
	arrived, err := f.svc.MarkArrived(ctx, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, arrived.DriverArrivedAt)
	assert.Len(t, f.pub.ofType(events.TypeDriverArrived), 1)

	_, err = f.svc.Cancel(ctx, r.ID, "alien", "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	cancelled, err := f.svc.Cancel(ctx, r.ID, models.CancelledByDriver, "flat tyre")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.CancelledByDriver, cancelled.CancelledBy)
	assert.Equal(t, "flat tyre", cancelled.CancellationReason)

	_, err = f.svc.Cancel(ctx, r.ID, models.CancelledByRider, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.svc.Start(ctx, "missing", "1234")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRejectIsSetAndReleasesOnlyThisRidesLease(t *testing.T) {
	f := newFixture()
	r := f.create(t)
	ctx := context.Background()

	_, err := f.locks.Acquire(ctx, lock.DriverKey("d1"), r.ID, time.Minute)
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, lock.DriverKey("d2"), "other-ride", time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reject(ctx, r.ID, "d1"))
	require.NoError(t, f.svc.Reject(ctx, r.ID, "d1"))
	require.NoError(t, f.svc.Reject(ctx, r.ID, "d2"))

	stored, err := f.store.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, stored.RejectedDrivers)
	assert.Equal(t, models.StatusRequested, stored.Status)

	_, held, _ := f.locks.Peek(ctx, lock.DriverKey("d1"))
	assert.False(t, held)
	_, held, _ = f.locks.Peek(ctx, lock.DriverKey("d2"))
	assert.True(t, held, "another ride's offer must survive")

	assert.ErrorIs(t, f.svc.Reject(ctx, "missing", "d1"), models.ErrNotFound)
}

func TestExpireOnlyCancelsRequestedRides(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	open := f.create(t)
	ok, err := f.svc.Expire(ctx, open.ID, ReasonNoDriver)
	require.NoError(t, err)
	assert.True(t, ok)
	stored, _ := f.store.GetRide(ctx, open.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.CancelledBySystem, stored.CancelledBy)
	assert.Equal(t, ReasonNoDriver, stored.CancellationReason)
	cancelled := f.pub.ofType(events.TypeRideCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ReasonNoDriver, ridePayload(t, cancelled[0]).Message)

	taken := f.create(t)
	_, err = f.svc.Accept(ctx, taken.ID, "d1", "c1")
	require.NoError(t, err)
	ok, err = f.svc.Expire(ctx, taken.ID, ReasonNoDriver)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, _ = f.store.GetRide(ctx, taken.ID)
	assert.Equal(t, models.StatusAccepted, stored.Status)

	// an accept in flight holds the ride lease
	racing := f.create(t)
	_, err = f.locks.Acquire(ctx, lock.RideKey(racing.ID), "d9", time.Minute)
	require.NoError(t, err)
	ok, err = f.svc.Expire(ctx, racing.ID, ReasonTimeout)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, _ = f.store.GetRide(ctx, racing.ID)
	assert.Equal(t, models.StatusRequested, stored.Status)
}

func TestWatchSignalsAfterTransition(t *testing.T) {
	f := newFixture()
	r := f.create(t)

	ch, stop := f.svc.Watch(r.ID)
	defer stop()

	_, err := f.svc.Accept(context.Background(), r.ID, "d1", "c1")
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal after accept")
	}

	stop()
	stop()
	assert.Empty(t, f.svc.watch.subs)
}
