package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TripStore is the ride system of record. Every mutation is a single-row
// conditional update: the bool results report whether the guard held, and
// a missing ride is models.ErrNotFound.
type TripStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	AddRejectedDriver(ctx context.Context, id, driverID string) error
	AddNotifiedDriver(ctx context.Context, id, driverID string) error
	// AssignDriver moves requested -> accepted.
	AssignDriver(ctx context.Context, id, driverID string, at time.Time) (bool, error)
	// MarkArrived records the first arrival of the assigned driver.
	MarkArrived(ctx context.Context, id string, at time.Time) (bool, error)
	StartRide(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteRide(ctx context.Context, id string, at time.Time) (bool, error)
	// CancelRide moves any non-terminal ride to cancelled.
	CancelRide(ctx context.Context, id string, by models.CancelledBy, reason string, at time.Time) (bool, error)
	// ListRequestedBefore returns ids of rides still requested and created before cutoff.
	ListRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r.Clone(), nil
}

// update runs fn on the stored ride under the write lock.
func (m *MemoryStore) update(id string, at time.Time, fn func(r *models.Ride) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !fn(r) {
		return false, nil
	}
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) AddRejectedDriver(ctx context.Context, id, driverID string) error {
	_, err := m.update(id, time.Now(), func(r *models.Ride) bool {
		if r.HasRejected(driverID) {
			return false
		}
		r.RejectedDrivers = append(r.RejectedDrivers, driverID)
		return true
	})
	return err
}

func (m *MemoryStore) AddNotifiedDriver(ctx context.Context, id, driverID string) error {
	_, err := m.update(id, time.Now(), func(r *models.Ride) bool {
		if r.WasNotified(driverID) {
			return false
		}
		r.NotifiedDrivers = append(r.NotifiedDrivers, driverID)
		return true
	})
	return err
}

func (m *MemoryStore) AssignDriver(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	return m.update(id, at, func(r *models.Ride) bool {
		if r.Status != models.StatusRequested {
			return false
		}
		r.DriverID = driverID
		r.Status = models.StatusAccepted
		return true
	})
}

func (m *MemoryStore) MarkArrived(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.update(id, at, func(r *models.Ride) bool {
		if r.Status != models.StatusAccepted || r.DriverID == "" {
			return false
		}
		if r.DriverArrivedAt == nil {
			t := at
			r.DriverArrivedAt = &t
		}
		return true
	})
}

func (m *MemoryStore) StartRide(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.update(id, at, func(r *models.Ride) bool {
		if r.Status != models.StatusAccepted {
			return false
		}
		t := at
		r.Status = models.StatusInProgress
		r.ActualStartTime = &t
		return true
	})
}

func (m *MemoryStore) CompleteRide(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.update(id, at, func(r *models.Ride) bool {
		if r.Status != models.StatusInProgress {
			return false
		}
		t := at
		r.Status = models.StatusCompleted
		r.ActualEndTime = &t
		return true
	})
}

func (m *MemoryStore) CancelRide(ctx context.Context, id string, by models.CancelledBy, reason string, at time.Time) (bool, error) {
	return m.update(id, at, func(r *models.Ride) bool {
		if !r.Status.Cancellable() {
			return false
		}
		r.Status = models.StatusCancelled
		r.CancelledBy = by
		r.CancellationReason = reason
		return true
	})
}

func (m *MemoryStore) ListRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stale []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.StatusRequested && r.CreatedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, r := range stale {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
