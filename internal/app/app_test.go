package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/bridge"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// directory records frames sent to single connections.
type directory struct {
	mu     sync.Mutex
	frames map[string][]events.Frame
}

func newDirectory() *directory { return &directory{frames: map[string][]events.Frame{}} }

func (d *directory) SendTo(connID string, frame []byte) bool {
	var f events.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames[connID] = append(d.frames[connID], f)
	return true
}

func (d *directory) SendRoom(string, []byte) int { return 0 }
func (d *directory) SendAll([]byte) int          { return 0 }
func (d *directory) Join(string, string) bool    { return true }

func (d *directory) got(connID string, t events.Type) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.frames[connID] {
		if f.Type == t {
			return true
		}
	}
	return false
}

func TestOpenBackendsInMemory(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBackends(ctx, config.RedisConfig{}, "", false, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.Redis)
	assert.IsType(t, &geo.Index{}, b.Registry)
	assert.IsType(t, &lock.MemoryLocker{}, b.Locks)
	assert.IsType(t, &storage.MemoryStore{}, b.Store)
	assert.Empty(t, b.Checks)

	_, err = b.Publisher(ctx, "socket-events", nil, quietLogger())
	assert.Error(t, err, "nothing to deliver to")
	pub, err := b.Publisher(ctx, "socket-events", newDirectory(), quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &bridge.Local{}, pub)
}

func TestOpenBackendsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	b, err := OpenBackends(ctx, config.RedisConfig{Addr: mr.Addr(), GeoKey: "drivers_geo"}, "", false, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &geo.RedisGeo{}, b.Registry)
	assert.IsType(t, &lock.RedisLocker{}, b.Locks)
	require.Len(t, b.Checks, 1)
	assert.Equal(t, "redis", b.Checks[0].Name)
	assert.NoError(t, b.Checks[0].Ping(ctx))

	pub, err := b.Publisher(ctx, "socket-events", nil, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &bridge.RedisBridge{}, pub, "publish-only bridge")
}

func TestOpenBackendsFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenBackends(context.Background(), config.RedisConfig{Addr: addr}, "", false, quietLogger())
	assert.Error(t, err)
}

func TestOpenQueue(t *testing.T) {
	q, err := OpenQueue(config.QueueConfig{Backend: config.QueueMemory}, 3, quietLogger())
	require.NoError(t, err)
	defer q.Close()
	require.Len(t, q.Sources, 3)
	assert.Same(t, q.Sources[0], q.Sources[2], "workers share one memory queue")

	q, err = OpenQueue(config.QueueConfig{Backend: config.QueueMemory}, 0, quietLogger())
	require.NoError(t, err)
	assert.Empty(t, q.Sources)

	_, err = OpenQueue(config.QueueConfig{Backend: "sqs"}, 1, quietLogger())
	assert.Error(t, err)
}

func TestDispatchOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := quietLogger()

	b, err := OpenBackends(ctx, config.RedisConfig{Addr: mr.Addr(), GeoKey: "drivers_geo"}, "", false, logger)
	require.NoError(t, err)
	defer b.Close()
	dir := newDirectory()
	pub, err := b.Publisher(ctx, "socket-events", dir, logger)
	require.NoError(t, err)

	rides := ride.NewService(b.Store, b.Locks, pub, logger, 2*time.Second)
	q, err := OpenQueue(config.QueueConfig{Backend: config.QueueMemory}, 2, logger)
	require.NoError(t, err)
	defer q.Close()

	d := NewDispatch(config.DispatchConfig{
		Radii:          []float64{3000},
		CandidateLimit: 10,
		AcceptTimeout:  2 * time.Second,
		PollInterval:   20 * time.Millisecond,
		MaxAttempts:    2,
		RetryBackoff:   10 * time.Millisecond,
		SweepInterval:  time.Hour,
		ETASpeedMps:    8,
	}, b, pub, rides, q.Sources, logger)
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.NoError(t, b.Registry.Register(ctx, "d1", 12.975, 77.5946, "conn-d1"))
	r, err := rides.Create(ctx, models.RideRequest{
		RiderID: "rider-1", RiderConnectionID: "conn-rider",
		Pickup:  models.Coord{Lat: 12.9716, Lon: 77.5946},
		Dropoff: models.Coord{Lat: 12.9352, Lon: 77.6245},
	})
	require.NoError(t, err)
	require.NoError(t, q.Producer.Enqueue(ctx, models.DispatchJob{RideID: r.ID}))

	require.Eventually(t, func() bool { return dir.got("conn-d1", events.TypeRideOffered) }, 3*time.Second, 10*time.Millisecond)
	_, err = rides.Accept(ctx, r.ID, "d1", "conn-d1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dir.got("conn-rider", events.TypeRideAccepted) }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not stop")
	}
	got, err := b.Store.GetRide(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)
}
