package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-tracking/internal/fleet"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/matcher"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/notify"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/route"
	"github.com/example/ride-tracking/internal/storage"
)

// Router resolves a live route between two points.
type Router interface {
	Resolve(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error)
}

// Ranker orders queued rides for a driver, best first.
type Ranker interface {
	Rank(ctx context.Context, loc models.Coord, cands []matcher.Candidate) []models.Assignment
}

type EventSink interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

// Service owns the ride state machine:
//
//	Initiated --start--> Active --end--> Completed
//	Initiated --cancel--> Cancelled
//
// Every transition runs under a per-ride lock and is committed with a
// conditional store write, so a concurrent writer in another process gets
// ErrInvalidTransition instead of overwriting. Work that depends on whether a
// driver is on a route also holds a per-driver lock; the store rejects a
// second Active ride for one driver across processes.
type Service struct {
	Store    storage.RideStore
	Stops    geo.Directory
	Routes   Router
	Payments payments.Provider
	Ranker   Ranker
	Fleet    fleet.Registry  // optional; when set StartRoute requires a vehicle
	Events   EventSink       // optional
	Notifier notify.Notifier // optional
	Currency string
	Logger   *slog.Logger

	now     func() time.Time
	locks   keyedMutex
	drivers keyedMutex
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Initiate reserves a ride between two stops for riderID and prices it.
// Nothing is persisted when the route cannot be resolved.
func (s *Service) Initiate(ctx context.Context, riderID string, start, end int64) (*models.Ride, models.RouteEstimate, error) {
	if start == end {
		return nil, models.RouteEstimate{}, fmt.Errorf("%w: start and end are the same stop", ErrInvalidSelection)
	}
	from, err := s.stop(ctx, start)
	if err != nil {
		return nil, models.RouteEstimate{}, err
	}
	to, err := s.stop(ctx, end)
	if err != nil {
		return nil, models.RouteEstimate{}, err
	}
	if err := s.ensureNoOngoing(ctx, riderID); err != nil {
		return nil, models.RouteEstimate{}, err
	}

	est, err := s.resolve(ctx, from.Loc, to.Loc)
	if err != nil {
		return nil, models.RouteEstimate{}, err
	}

	now := s.clock()
	r := &models.Ride{
		ID:                uuid.NewString(),
		RiderID:           riderID,
		StartStop:         start,
		EndStop:           end,
		EstimatedDuration: est.DurationMinutes,
		EstimatedPrice:    est.PriceCents,
		Status:            models.RideInitiated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.Create(ctx, r); err != nil {
		return nil, models.RouteEstimate{}, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesInitiated.Inc()
	s.logger().Info("ride initiated", "ride_id", r.ID, "rider_id", riderID, "start", start, "end", end, "price_cents", r.EstimatedPrice)
	return r, est, nil
}

// Estimate recomputes the route and price for an existing ride.
func (s *Service) Estimate(ctx context.Context, rideID string) (models.RouteEstimate, error) {
	r, err := s.Get(ctx, rideID)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	from, err := s.stop(ctx, r.StartStop)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	to, err := s.stop(ctx, r.EndStop)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	return s.resolve(ctx, from.Loc, to.Loc)
}

// Directions resolves an arbitrary origin/destination pair.
func (s *Service) Directions(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	return s.resolve(ctx, from, to)
}

func (s *Service) resolve(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	est, err := s.Routes.Resolve(ctx, from, to)
	switch {
	case err == nil:
		return est, nil
	case errors.Is(err, route.ErrNoRouteFound):
		return models.RouteEstimate{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	case errors.Is(err, route.ErrUpstreamUnreachable):
		return models.RouteEstimate{}, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	default:
		return models.RouteEstimate{}, fmt.Errorf("resolve route: %w", err)
	}
}

// CreatePaymentIntent opens a payment for the ride's estimated price. Only
// Initiated rides are payable.
func (s *Service) CreatePaymentIntent(ctx context.Context, rideID, userID string) (payments.Intent, error) {
	r, err := s.Get(ctx, rideID)
	if err != nil {
		return payments.Intent{}, err
	}
	if r.Status != models.RideInitiated {
		return payments.Intent{}, fmt.Errorf("%w: ride is %s", ErrRideNotPayable, r.Status)
	}
	if r.EstimatedPrice <= 0 {
		return payments.Intent{}, fmt.Errorf("%w: no price estimate", ErrRideNotPayable)
	}
	if r.HasPassenger(userID) {
		return payments.Intent{}, fmt.Errorf("%w: already paid", ErrRideNotPayable)
	}
	if err := s.ensureNoOngoing(ctx, userID); err != nil {
		return payments.Intent{}, err
	}
	in, err := s.Payments.CreateIntent(ctx, r.ID, userID, r.EstimatedPrice, s.Currency)
	if err != nil {
		return payments.Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	observability.PaymentIntents.Inc()
	return in, nil
}

// ConfirmPayment looks the intent up with the provider and, when it has
// succeeded for this ride, records userID as a passenger.
func (s *Service) ConfirmPayment(ctx context.Context, rideID, intentID, userID string) (*models.Ride, error) {
	in, err := s.Payments.GetIntent(ctx, intentID)
	if errors.Is(err, payments.ErrIntentNotFound) {
		return nil, fmt.Errorf("%w: unknown intent", ErrPaymentNotConfirmed)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	if in.RideID != rideID || (in.UserID != "" && in.UserID != userID) {
		return nil, fmt.Errorf("%w: intent belongs to another booking", ErrPaymentNotConfirmed)
	}
	return s.RecordPayment(ctx, in)
}

// RecordPayment adds the intent's user to its ride. It is the webhook entry
// point and is idempotent per rider.
func (s *Service) RecordPayment(ctx context.Context, in payments.Intent) (*models.Ride, error) {
	if !in.Succeeded() {
		return nil, fmt.Errorf("%w: intent status %s", ErrPaymentNotConfirmed, in.Status)
	}
	if in.RideID == "" || in.UserID == "" {
		return nil, fmt.Errorf("%w: intent missing ride or user", ErrPaymentNotConfirmed)
	}

	unlock := s.locks.lock(in.RideID)
	defer unlock()

	r, added, err := s.Store.AddPassenger(ctx, in.RideID, in.UserID, in.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrRideNotFound
	case errors.Is(err, storage.ErrStatusMismatch):
		return nil, fmt.Errorf("%w: ride no longer initiated", ErrRideNotPayable)
	case err != nil:
		return nil, fmt.Errorf("add passenger: %w", err)
	}
	if added {
		s.logger().Info("payment recorded", "ride_id", r.ID, "user_id", in.UserID, "intent_id", in.ID, "passengers", r.NumPassengers())
	}
	return r, nil
}

// Activate moves an Initiated ride to Active under driverID.
func (s *Service) Activate(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	unlock := s.drivers.lock(driverID)
	defer unlock()
	if err := s.ensureIdle(ctx, driverID); err != nil {
		return nil, err
	}
	return s.transition(ctx, rideID, models.RideActive, driverID, nil)
}

// StartRoute picks the best queued ride for a driver at loc and activates
// it. If another driver wins a candidate first the next one is tried.
func (s *Service) StartRoute(ctx context.Context, driverID string, loc models.Coord) (models.Assignment, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	unlock := s.drivers.lock(driverID)
	defer unlock()

	if s.Fleet != nil {
		if _, ok, err := s.Fleet.VehicleOf(ctx, driverID); err != nil {
			return models.Assignment{}, err
		} else if !ok {
			return models.Assignment{}, ErrNoVehicle
		}
	}
	if err := s.ensureIdle(ctx, driverID); err != nil {
		return models.Assignment{}, err
	}

	queued, err := s.Store.ListByStatus(ctx, models.RideInitiated)
	if err != nil {
		return models.Assignment{}, err
	}
	cands := make([]matcher.Candidate, 0, len(queued))
	for _, r := range queued {
		from, err1 := s.Stops.Stop(ctx, r.StartStop)
		to, err2 := s.Stops.Stop(ctx, r.EndStop)
		if err1 != nil || err2 != nil {
			s.logger().Warn("skipping ride with unknown stop", "ride_id", r.ID)
			continue
		}
		cands = append(cands, matcher.Candidate{Ride: r, Start: from, End: to})
	}

	for _, a := range s.Ranker.Rank(ctx, loc, cands) {
		_, err := s.transition(ctx, a.RideID, models.RideActive, driverID, nil)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return models.Assignment{}, err
		}
		s.notifyStart(ctx, a)
		return a, nil
	}
	return models.Assignment{}, ErrNoQueuedRides
}

func (s *Service) notifyStart(ctx context.Context, a models.Assignment) {
	if s.Notifier == nil || len(a.Passengers) == 0 {
		return
	}
	err := s.Notifier.NotifyRideStarting(ctx, notify.RideStarting{
		RideID:        a.RideID,
		Passengers:    a.Passengers,
		StartName:     a.StartName,
		EndName:       a.EndName,
		ArriveMinutes: a.TimeVehArrive,
		TripMinutes:   a.TimeStartEnd,
	})
	if err != nil {
		s.logger().Warn("passenger notification failed", "ride_id", a.RideID, "error", err)
	}
}

// UnassignVehicle hands the driver's vehicle back to the fleet. It fails with
// ErrDriverEnRoute while the driver has an Active ride.
func (s *Service) UnassignVehicle(ctx context.Context, driverID, plate string) error {
	if s.Fleet == nil {
		return ErrNoVehicle
	}
	unlock := s.drivers.lock(driverID)
	defer unlock()
	if err := s.ensureIdle(ctx, driverID); err != nil {
		return err
	}
	return s.Fleet.Release(ctx, plate, driverID)
}

// Complete ends an Active ride. Completing an already Completed ride returns
// it unchanged. driverID, when set, must be the ride's driver.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.RideCompleted, "", func(r *models.Ride) error {
		if driverID != "" && r.DriverID != "" && r.DriverID != driverID {
			return ErrForbidden
		}
		return nil
	})
}

// Cancel withdraws an Initiated ride. Only its creator or a passenger may
// cancel it.
func (s *Service) Cancel(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.RideCancelled, "", func(r *models.Ride) error {
		if r.RiderID != actorID && !r.HasPassenger(actorID) {
			return ErrForbidden
		}
		return nil
	})
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	return r, err
}

// ListByRider returns the rider's bookings, newest first.
func (s *Service) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return s.Store.ListByRider(ctx, riderID)
}

// ActiveRide returns the ride the driver is currently on, or ErrRideNotFound.
func (s *Service) ActiveRide(ctx context.Context, driverID string) (*models.Ride, error) {
	r, err := s.Store.ActiveByDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	return r, err
}

func allowed(from, to models.RideStatus) bool {
	switch to {
	case models.RideActive:
		return from == models.RideInitiated
	case models.RideCompleted:
		return from == models.RideActive
	case models.RideCancelled:
		return from == models.RideInitiated
	}
	return false
}

func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, driverID string, check func(*models.Ride) error) (*models.Ride, error) {
	unlock := s.locks.lock(rideID)
	defer unlock()

	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(cur); err != nil {
			return nil, err
		}
	}
	if cur.Status == to && to == models.RideCompleted {
		return cur, nil
	}
	if !allowed(cur.Status, to) {
		observability.RejectedTransitions.WithLabelValues(to.String()).Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}

	r, err := s.Store.Transition(ctx, rideID, cur.Status, to, driverID, s.clock())
	if errors.Is(err, storage.ErrDriverBusy) {
		observability.RejectedTransitions.WithLabelValues(to.String()).Inc()
		return nil, ErrDriverEnRoute
	}
	if errors.Is(err, storage.ErrStatusMismatch) {
		observability.RejectedTransitions.WithLabelValues(to.String()).Inc()
		return nil, fmt.Errorf("%w: ride changed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("transition ride: %w", err)
	}
	observability.RideTransitions.WithLabelValues(cur.Status.String(), to.String()).Inc()
	s.logger().Info("ride transition", "ride_id", rideID, "from", cur.Status.String(), "to", to.String(), "driver_id", r.DriverID)
	s.emit(ctx, models.RideEvent{RideID: r.ID, From: cur.Status, To: to, DriverID: r.DriverID, Passengers: r.NumPassengers(), At: r.UpdatedAt})
	return r, nil
}

func (s *Service) emit(ctx context.Context, ev models.RideEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.logger().Warn("ride event publish failed", "ride_id", ev.RideID, "error", err)
	}
}

func (s *Service) stop(ctx context.Context, id int64) (models.Stop, error) {
	st, err := s.Stops.Stop(ctx, id)
	if errors.Is(err, geo.ErrUnknownStop) {
		return models.Stop{}, fmt.Errorf("%w: unknown stop %d", ErrInvalidSelection, id)
	}
	return st, err
}

func (s *Service) ensureIdle(ctx context.Context, driverID string) error {
	_, err := s.Store.ActiveByDriver(ctx, driverID)
	if err == nil {
		return ErrDriverEnRoute
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// ensureNoOngoing rejects a rider who already holds a paid seat on a ride
// that has not finished. Unpaid rides they initiated do not count.
func (s *Service) ensureNoOngoing(ctx context.Context, riderID string) error {
	rides, err := s.Store.ListByRider(ctx, riderID)
	if err != nil {
		return err
	}
	for _, r := range rides {
		if !r.Status.Terminal() && r.HasPassenger(riderID) {
			return fmt.Errorf("%w: %s", ErrOngoingBooking, r.ID)
		}
	}
	return nil
}
