package fleet

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrVehicleUnavailable means another driver currently holds the vehicle.
	ErrVehicleUnavailable = errors.New("vehicle held by another driver")
	// ErrDriverHasVehicle is returned when a driver tries to hold two vehicles.
	ErrDriverHasVehicle = errors.New("driver already assigned to a vehicle")
	ErrNotHolder        = errors.New("vehicle not assigned to driver")
	ErrInvalidPlate     = errors.New("invalid licence number")
)

// Registry enforces that a vehicle has at most one driver and a driver at
// most one vehicle.
type Registry interface {
	Claim(ctx context.Context, plate, driverID string) error
	Release(ctx context.Context, plate, driverID string) error
	VehicleOf(ctx context.Context, driverID string) (string, bool, error)
}

// NormalizePlate upper-cases and strips spaces so "abc 123" and "ABC123"
// name the same vehicle.
func NormalizePlate(plate string) (string, error) {
	p := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(plate), " ", ""))
	if p == "" || len(p) > 16 {
		return "", ErrInvalidPlate
	}
	return p, nil
}

type MemoryRegistry struct {
	mu        sync.Mutex
	byVehicle map[string]string
	byDriver  map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byVehicle: make(map[string]string), byDriver: make(map[string]string)}
}

func (m *MemoryRegistry) Claim(_ context.Context, plate, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.byVehicle[plate]; ok {
		if holder == driverID {
			return nil
		}
		return ErrVehicleUnavailable
	}
	if _, ok := m.byDriver[driverID]; ok {
		return ErrDriverHasVehicle
	}
	m.byVehicle[plate] = driverID
	m.byDriver[driverID] = plate
	return nil
}

func (m *MemoryRegistry) Release(_ context.Context, plate, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byVehicle[plate] != driverID {
		return ErrNotHolder
	}
	delete(m.byVehicle, plate)
	delete(m.byDriver, driverID)
	return nil
}

func (m *MemoryRegistry) VehicleOf(_ context.Context, driverID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byDriver[driverID]
	return p, ok, nil
}
