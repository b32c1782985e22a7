package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/models"
)

var (
	ErrVehicleUnavailable    = errors.New("vehicle assigned to another driver")
	ErrActiveRouteInProgress = errors.New("route in progress")
	ErrNoActiveRoute         = errors.New("no active route")
	ErrNotAssigned           = errors.New("no vehicle assigned")
	ErrAlreadyAssigned       = errors.New("vehicle already assigned")
	ErrNoQueuedRides         = errors.New("no rides waiting")
)

type State int

const (
	Unassigned State = iota
	Assigned
	OnRoute
)

func (s State) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Assigned:
		return "assigned"
	case OnRoute:
		return "on_route"
	default:
		return "unknown"
	}
}

// Backend is the booking API as seen by a driver.
type Backend interface {
	AssignVehicle(ctx context.Context, plate string) error
	UnassignVehicle(ctx context.Context, plate string) error
	StartRoute(ctx context.Context, loc models.Coord) (models.Assignment, error)
	EndRoute(ctx context.Context, rideID string) error
}

// Channel is the publishing side of the location channel.
type Channel interface {
	Claim(st channel.StartTrip) error
	PublishLocation(tripID string, lat, lon float64, at time.Time) error
	EndTrip(tripID string) error
}

// Session tracks one driver through
//
//	Unassigned -> Assigned -> OnRoute -> Assigned -> Unassigned
//
// Lifecycle calls are serialized; Observe may run concurrently with them.
type Session struct {
	backend Backend
	ch      Channel
	logger  *slog.Logger

	op sync.Mutex // held for the whole of a lifecycle call

	mu      sync.Mutex
	state   State
	vehicle string
	trip    *models.Assignment
	sampler sampler
}

func NewSession(backend Backend, ch Channel, policy SamplePolicy, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{backend: backend, ch: ch, logger: logger.With("component", "driver_session"), sampler: sampler{policy: policy}}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Vehicle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicle
}

// Trip returns the current assignment while OnRoute.
func (s *Session) Trip() (models.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil {
		return models.Assignment{}, false
	}
	return *s.trip, true
}

func (s *Session) AssignVehicle(ctx context.Context, plate string) error {
	s.op.Lock()
	defer s.op.Unlock()

	switch s.State() {
	case OnRoute:
		return ErrActiveRouteInProgress
	case Assigned:
		return ErrAlreadyAssigned
	}
	if err := s.backend.AssignVehicle(ctx, plate); err != nil {
		return err
	}
	s.mu.Lock()
	s.state, s.vehicle = Assigned, plate
	s.mu.Unlock()
	s.logger.Info("vehicle assigned", "vehicle", plate)
	return nil
}

func (s *Session) UnassignVehicle(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	state, plate := s.state, s.vehicle
	s.mu.Unlock()
	switch state {
	case OnRoute:
		return ErrActiveRouteInProgress
	case Unassigned:
		return ErrNotAssigned
	}
	if err := s.backend.UnassignVehicle(ctx, plate); err != nil {
		return err
	}
	s.mu.Lock()
	s.state, s.vehicle = Unassigned, ""
	s.mu.Unlock()
	s.logger.Info("vehicle unassigned", "vehicle", plate)
	return nil
}

// StartRoute takes the next queued ride near loc and becomes its trip's
// publisher. A channel failure does not undo the route: the claim is
// replayed once the connection comes back.
func (s *Session) StartRoute(ctx context.Context, loc models.Coord) (models.Assignment, error) {
	s.op.Lock()
	defer s.op.Unlock()

	switch s.State() {
	case Unassigned:
		return models.Assignment{}, ErrNotAssigned
	case OnRoute:
		return models.Assignment{}, ErrActiveRouteInProgress
	}
	a, err := s.backend.StartRoute(ctx, loc)
	if err != nil {
		return models.Assignment{}, err
	}
	s.mu.Lock()
	s.state = OnRoute
	s.trip = &a
	s.sampler.reset()
	s.mu.Unlock()

	st := channel.StartTrip{TripID: a.RideID, StartLocation: a.StartName, EndLocation: a.EndName, Passengers: a.Passengers}
	if err := s.ch.Claim(st); err != nil {
		s.logger.Warn("trip claim not sent", "trip_id", a.RideID, "error", err)
	}
	s.logger.Info("route started", "trip_id", a.RideID, "passengers", a.NumPassengers)
	return a, nil
}

// Observe feeds one position reading. It is published when the sample
// policy says so; readings outside a route are rejected.
func (s *Session) Observe(loc models.Coord, at time.Time) (published bool, err error) {
	s.mu.Lock()
	if s.state != OnRoute || s.trip == nil {
		s.mu.Unlock()
		return false, ErrNoActiveRoute
	}
	trip := s.trip.RideID
	if !s.sampler.due(loc, at) {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if err := s.ch.PublishLocation(trip, loc.Lat, loc.Lon, at); err != nil {
		// next reading retries
		return false, fmt.Errorf("publish location: %w", err)
	}
	s.mu.Lock()
	if s.trip != nil && s.trip.RideID == trip {
		s.sampler.mark(loc, at)
	}
	s.mu.Unlock()
	return true, nil
}

// EndRoute completes the ride with the backend and then ends the trip on
// the channel. Once the backend accepted, channel errors are only logged.
func (s *Session) EndRoute(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state != OnRoute || s.trip == nil {
		s.mu.Unlock()
		return ErrNoActiveRoute
	}
	trip := s.trip.RideID
	s.mu.Unlock()

	if err := s.backend.EndRoute(ctx, trip); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = Assigned
	s.trip = nil
	s.mu.Unlock()

	if err := s.ch.EndTrip(trip); err != nil {
		s.logger.Warn("trip end not sent", "trip_id", trip, "error", err)
	}
	s.logger.Info("route ended", "trip_id", trip)
	return nil
}
