package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRide(t *testing.T, s *MemoryStore, id string, created time.Time) {
	t.Helper()
	require.NoError(t, s.CreateRide(context.Background(), &models.Ride{
		ID: id, RiderID: "u1", Status: models.StatusRequested, StartOTP: "1111", StopOTP: "2222",
		CreatedAt: created, UpdatedAt: created,
	}))
}

func TestMemoryStoreLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	seedRide(t, s, "r1", now)

	ok, err := s.StartRide(ctx, "r1", now)
	require.NoError(t, err)
	assert.False(t, ok, "cannot start a requested ride")

	ok, err = s.AssignDriver(ctx, "r1", "d1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AssignDriver(ctx, "r1", "d2", now)
	require.NoError(t, err)
	assert.False(t, ok, "second assignment must lose")

	ok, err = s.MarkArrived(ctx, "r1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	later := now.Add(time.Minute)
	_, err = s.MarkArrived(ctx, "r1", later)
	require.NoError(t, err)

	ok, err = s.StartRide(ctx, "r1", later)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CompleteRide(ctx, "r1", later)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CancelRide(ctx, "r1", models.CancelledByRider, "changed mind", later)
	require.NoError(t, err)
	assert.False(t, ok, "completed is terminal")

	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "d1", r.DriverID)
	require.NotNil(t, r.DriverArrivedAt)
	assert.True(t, now.Equal(*r.DriverArrivedAt), "arrival keeps the first timestamp")
	assert.NotNil(t, r.ActualStartTime)
	assert.NotNil(t, r.ActualEndTime)
}

func TestMemoryStoreDriverSetsGrowOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1", time.Now())

	for _, d := range []string{"d1", "d2", "d1"} {
		require.NoError(t, s.AddRejectedDriver(ctx, "r1", d))
		require.NoError(t, s.AddNotifiedDriver(ctx, "r1", d))
	}
	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, r.RejectedDrivers)
	assert.Equal(t, []string{"d1", "d2"}, r.NotifiedDrivers)

	// callers get copies
	r.RejectedDrivers[0] = "mutated"
	again, _ := s.GetRide(ctx, "r1")
	assert.Equal(t, "d1", again.RejectedDrivers[0])
}

func TestMemoryStoreMissingRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetRide(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.CancelRide(ctx, "nope", models.CancelledBySystem, "", time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.AddRejectedDriver(ctx, "nope", "d1"), models.ErrNotFound)
}

func TestMemoryStoreListRequestedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	seedRide(t, s, "old2", base.Add(2*time.Minute))
	seedRide(t, s, "old1", base)
	seedRide(t, s, "fresh", time.Now())
	seedRide(t, s, "taken", base)
	_, err := s.AssignDriver(ctx, "taken", "d1", time.Now())
	require.NoError(t, err)

	ids, err := s.ListRequestedBefore(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2"}, ids)

	ids, err = s.ListRequestedBefore(ctx, base.Add(30*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1"}, ids)
}
