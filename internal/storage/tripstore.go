package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrStatusMismatch is returned by conditional writes when the stored
	// status is no longer the one the caller observed.
	ErrStatusMismatch = errors.New("ride status changed")
	ErrDuplicate      = errors.New("ride already exists")
	// ErrDriverBusy means the driver already has an Active ride.
	ErrDriverBusy = errors.New("driver already has an active ride")
)

// RideStore persists rides. Transition and AddPassenger are compare-and-set
// on status so concurrent writers never overwrite each other.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	Transition(ctx context.Context, id string, from, to models.RideStatus, driverID string, at time.Time) (*models.Ride, error)
	// AddPassenger records riderID on an Initiated ride. added is false when
	// the rider was already present.
	AddPassenger(ctx context.Context, id, riderID, intentID string) (r *models.Ride, added bool, err error)
	ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error)
	ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
	ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to models.RideStatus, driverID string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrStatusMismatch
	}
	if to == models.RideActive && driverID != "" {
		for _, other := range m.rides {
			if other.Status == models.RideActive && other.DriverID == driverID {
				return nil, ErrDriverBusy
			}
		}
	}
	r.Status = to
	if driverID != "" {
		r.DriverID = driverID
	}
	r.UpdatedAt = at
	return r.Clone(), nil
}

func (m *MemoryStore) AddPassenger(_ context.Context, id, riderID, _ string) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.HasPassenger(riderID) {
		return r.Clone(), false, nil
	}
	if r.Status != models.RideInitiated {
		return nil, false, ErrStatusMismatch
	}
	r.Passengers = append(r.Passengers, riderID)
	r.UpdatedAt = time.Now()
	return r.Clone(), true, nil
}

// ListByRider returns rides the rider created or paid for, newest first.
func (m *MemoryStore) ListByRider(_ context.Context, riderID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.RiderID == riderID || r.HasPassenger(riderID) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus returns matching rides, oldest first.
func (m *MemoryStore) ListByStatus(_ context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveByDriver(_ context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.Status == models.RideActive && r.DriverID == driverID {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}
