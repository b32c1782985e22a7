package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-tracking/internal/fleet"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/matcher"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/notify"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/route"
	"github.com/example/ride-tracking/internal/storage"
)

type fakeRouter struct {
	err   error
	calls int
}

func (f *fakeRouter) Resolve(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	f.calls++
	if f.err != nil {
		return models.RouteEstimate{}, f.err
	}
	return models.RouteEstimate{DurationMinutes: 52.5, PriceCents: route.PriceCents(52.5, 11), Path: []models.Coord{from, to}}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.RideEvent
}

func (r *recordingSink) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type recordingNotifier struct {
	got []notify.RideStarting
}

func (r *recordingNotifier) NotifyRideStarting(ctx context.Context, n notify.RideStarting) error {
	r.got = append(r.got, n)
	return nil
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	pay      *payments.Sandbox
	router   *fakeRouter
	sink     *recordingSink
	notifier *recordingNotifier
}

func newFixture() *fixture {
	f := &fixture{
		store:    storage.NewMemoryStore(),
		pay:      payments.NewSandbox(),
		router:   &fakeRouter{},
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
	}
	f.svc = &Service{
		Store:    f.store,
		Stops:    geo.NewIndex(geo.DefaultStops...),
		Routes:   f.router,
		Payments: f.pay,
		Ranker:   &matcher.Service{DefaultSpeedMps: 10},
		Events:   f.sink,
		Notifier: f.notifier,
		Currency: "aud",
		Logger:   logging.Discard(),
	}
	return f
}

// pay runs the create-intent then confirm flow for user on ride.
func (f *fixture) payFor(t *testing.T, rideID, user string) *models.Ride {
	t.Helper()
	ctx := context.Background()
	in, err := f.svc.CreatePaymentIntent(ctx, rideID, user)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	r, err := f.svc.ConfirmPayment(ctx, rideID, in.ID, user)
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	return r
}

func TestBookingScenarioStop3To7(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	r, est, err := f.svc.Initiate(ctx, "rider-1", 3, 7)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if r.Status != models.RideInitiated || r.ID == "" {
		t.Fatalf("unexpected ride %+v", r)
	}
	if est.DurationMinutes <= 0 || est.PriceCents <= 0 {
		t.Fatalf("expected positive estimate, got %+v", est)
	}
	if r.EstimatedPrice != 577 {
		t.Fatalf("expected 577 cents, got %d", r.EstimatedPrice)
	}
	again, err := f.svc.Estimate(ctx, r.ID)
	if err != nil || again.DurationMinutes <= 0 {
		t.Fatalf("estimate: %+v err=%v", again, err)
	}

	paid := f.payFor(t, r.ID, "rider-1")
	if paid.NumPassengers() != 1 || paid.Status != models.RideInitiated {
		t.Fatalf("payment must add a passenger without changing status: %+v", paid)
	}

	a, err := f.svc.StartRoute(ctx, "driver-1", models.Coord{Lat: 2.76, Lon: 101.70})
	if err != nil {
		t.Fatalf("start route: %v", err)
	}
	if a.RideID != r.ID || a.NumPassengers != 1 || a.StartName != "KLIA1 Bus Terminal" || a.EndName != "KL Tower" {
		t.Fatalf("unexpected assignment %+v", a)
	}

	if _, err := f.svc.CreatePaymentIntent(ctx, r.ID, "rider-2"); !errors.Is(err, ErrRideNotPayable) {
		t.Fatalf("expected ErrRideNotPayable after start, got %v", err)
	}
	if len(f.notifier.got) != 1 || f.notifier.got[0].Passengers[0] != "rider-1" {
		t.Fatalf("expected passenger notification, got %+v", f.notifier.got)
	}
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	if _, _, err := f.svc.Initiate(ctx, "u", 3, 3); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for same stop, got %v", err)
	}
	if _, _, err := f.svc.Initiate(ctx, "u", 3, 999); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for unknown stop, got %v", err)
	}
	if f.router.calls != 0 {
		t.Fatalf("route provider must not be called for invalid selections")
	}

	f.router.err = route.ErrNoRouteFound
	if _, _, err := f.svc.Initiate(ctx, "u", 1, 2); !errors.Is(err, ErrRouteUnavailable) {
		t.Fatalf("expected ErrRouteUnavailable, got %v", err)
	}
	f.router.err = route.ErrUpstreamUnreachable
	if _, _, err := f.svc.Initiate(ctx, "u", 1, 2); !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
	if rides, _ := f.store.ListByRider(ctx, "u"); len(rides) != 0 {
		t.Fatalf("failed initiations must not persist rides, got %d", len(rides))
	}
}

func TestOngoingBookingRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
	// an unpaid ride does not block a new booking
	if _, _, err := f.svc.Initiate(ctx, "u1", 4, 5); err != nil {
		t.Fatalf("unpaid ride should not block: %v", err)
	}
	f.payFor(t, r.ID, "u1")
	if _, _, err := f.svc.Initiate(ctx, "u1", 4, 5); !errors.Is(err, ErrOngoingBooking) {
		t.Fatalf("expected ErrOngoingBooking, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, r.ID, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, err := f.svc.Initiate(ctx, "u1", 4, 5); err != nil {
		t.Fatalf("cancelled ride should not block: %v", err)
	}
}

func TestConfirmPaymentIdempotentAndChecked(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)

	in, _ := f.svc.CreatePaymentIntent(ctx, r.ID, "u1")
	for i := 0; i < 2; i++ {
		got, err := f.svc.ConfirmPayment(ctx, r.ID, in.ID, "u1")
		if err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
		if got.NumPassengers() != 1 {
			t.Fatalf("confirm %d: expected 1 passenger, got %d", i, got.NumPassengers())
		}
	}
	if _, err := f.svc.CreatePaymentIntent(ctx, r.ID, "u1"); !errors.Is(err, ErrRideNotPayable) {
		t.Fatalf("expected ErrRideNotPayable for a paid rider, got %v", err)
	}

	other, _ := f.svc.CreatePaymentIntent(ctx, r.ID, "u2")
	if _, err := f.svc.ConfirmPayment(ctx, r.ID, other.ID, "u3"); !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed for foreign intent, got %v", err)
	}
	f.pay.SetStatus(other.ID, "requires_payment_method")
	if _, err := f.svc.ConfirmPayment(ctx, r.ID, other.ID, "u2"); !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed for unpaid intent, got %v", err)
	}
	got, _ := f.svc.Get(ctx, r.ID)
	if got.Status != models.RideInitiated || got.NumPassengers() != 1 {
		t.Fatalf("failed confirmation must leave ride untouched: %+v", got)
	}
}

func TestTransitionTable(t *testing.T) {
	ctx := context.Background()
	statuses := []models.RideStatus{models.RideInitiated, models.RideActive, models.RideCompleted, models.RideCancelled}
	legal := map[[2]models.RideStatus]bool{
		{models.RideInitiated, models.RideActive}:    true,
		{models.RideActive, models.RideCompleted}:    true,
		{models.RideInitiated, models.RideCancelled}: true,
	}

	for _, from := range statuses {
		for _, to := range []models.RideStatus{models.RideActive, models.RideCompleted, models.RideCancelled} {
			f := newFixture()
			now := time.Now()
			_ = f.store.Create(ctx, &models.Ride{ID: "r", RiderID: "u", DriverID: "d0", StartStop: 1, EndStop: 2, Status: from, CreatedAt: now, UpdatedAt: now})

			var err error
			switch to {
			case models.RideActive:
				_, err = f.svc.Activate(ctx, "r", "d1")
			case models.RideCompleted:
				_, err = f.svc.Complete(ctx, "r", "")
			case models.RideCancelled:
				_, err = f.svc.Cancel(ctx, "r", "u")
			}

			idempotent := from == models.RideCompleted && to == models.RideCompleted
			switch {
			case legal[[2]models.RideStatus{from, to}] || idempotent:
				if err != nil {
					t.Fatalf("%s -> %s: unexpected error %v", from, to, err)
				}
			default:
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
				}
				got, _ := f.svc.Get(ctx, "r")
				if got.Status != from {
					t.Fatalf("%s -> %s: rejected transition changed status to %s", from, to, got.Status)
				}
			}
		}
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
	if _, err := f.svc.Activate(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := f.svc.Complete(ctx, r.ID, "d1")
		if err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if got.Status != models.RideCompleted {
			t.Fatalf("complete %d: status %s", i, got.Status)
		}
	}
	if _, err := f.svc.Complete(ctx, r.ID, "someone-else"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another driver, got %v", err)
	}

	var transitions int
	for _, ev := range f.sink.events {
		if ev.RideID == r.ID && ev.To == models.RideCompleted {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("expected a single completed event, got %d", transitions)
	}
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, rejected := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.Cancel(ctx, r.ID, "u1")
			} else {
				_, err = f.svc.Activate(ctx, r.ID, "d"+string(rune('a'+i)))
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDriverEnRoute):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || rejected != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d rejected=%d", wins, rejected)
	}
}

// racingStore lets another writer commit between the service's read and its
// conditional write.
type racingStore struct {
	*storage.MemoryStore
	once sync.Once
}

func (r *racingStore) Transition(ctx context.Context, id string, from, to models.RideStatus, driverID string, at time.Time) (*models.Ride, error) {
	r.once.Do(func() {
		_, _ = r.MemoryStore.Transition(ctx, id, from, models.RideCancelled, "", at)
	})
	return r.MemoryStore.Transition(ctx, id, from, to, driverID, at)
}

func TestStaleWriteRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rs := &racingStore{MemoryStore: f.store}
	f.svc.Store = rs
	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)

	if _, err := f.svc.Activate(ctx, r.ID, "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := f.svc.Get(ctx, r.ID)
	if got.Status != models.RideCancelled {
		t.Fatalf("the other writer's commit must survive, got %s", got.Status)
	}
}

func TestStartRouteRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	reg := fleet.NewMemoryRegistry()
	f.svc.Fleet = reg
	loc := models.Coord{Lat: 3.15, Lon: 101.70}

	if _, err := f.svc.StartRoute(ctx, "d1", loc); !errors.Is(err, ErrNoVehicle) {
		t.Fatalf("expected ErrNoVehicle, got %v", err)
	}
	_ = reg.Claim(ctx, "ABC123", "d1")
	if _, err := f.svc.StartRoute(ctx, "d1", loc); !errors.Is(err, ErrNoQueuedRides) {
		t.Fatalf("expected ErrNoQueuedRides, got %v", err)
	}

	// an unpaid ride is not dispatched
	unpaid, _, _ := f.svc.Initiate(ctx, "u0", 1, 2)
	if _, err := f.svc.StartRoute(ctx, "d1", loc); !errors.Is(err, ErrNoQueuedRides) {
		t.Fatalf("expected ErrNoQueuedRides with only unpaid rides, got %v", err)
	}

	small, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
	f.payFor(t, small.ID, "u1")
	big, _, _ := f.svc.Initiate(ctx, "u2", 4, 5)
	f.payFor(t, big.ID, "u2")
	f.payFor(t, big.ID, "u3")

	a, err := f.svc.StartRoute(ctx, "d1", loc)
	if err != nil {
		t.Fatalf("start route: %v", err)
	}
	if a.RideID != big.ID {
		t.Fatalf("expected the fuller ride %s, got %s", big.ID, a.RideID)
	}
	if _, err := f.svc.StartRoute(ctx, "d1", loc); !errors.Is(err, ErrDriverEnRoute) {
		t.Fatalf("expected ErrDriverEnRoute, got %v", err)
	}
	active, err := f.svc.ActiveRide(ctx, "d1")
	if err != nil || active.ID != big.ID || active.DriverID != "d1" {
		t.Fatalf("unexpected active ride %+v err=%v", active, err)
	}

	if _, err := f.svc.Complete(ctx, big.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ActiveRide(ctx, "d1"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected no active ride after completion, got %v", err)
	}
	a, err = f.svc.StartRoute(ctx, "d1", loc)
	if err != nil || a.RideID != small.ID {
		t.Fatalf("expected the remaining paid ride, got %+v err=%v", a, err)
	}
	if got, _ := f.svc.Get(ctx, unpaid.ID); got.Status != models.RideInitiated {
		t.Fatalf("unpaid ride must stay queued, got %s", got.Status)
	}
}

func TestCancelRequiresMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
	if _, err := f.svc.Cancel(ctx, r.ID, "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, "missing", "u1"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

// slowStore adds a database-like round trip to the active ride lookup.
type slowStore struct {
	storage.RideStore
}

func (s slowStore) ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	time.Sleep(2 * time.Millisecond)
	return s.RideStore.ActiveByDriver(ctx, driverID)
}

func activeFor(t *testing.T, store storage.RideStore, driverID string) int {
	t.Helper()
	list, err := store.ListByStatus(context.Background(), models.RideActive)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, r := range list {
		if r.DriverID == driverID {
			n++
		}
	}
	return n
}

func TestConcurrentStartsGiveDriverOneRide(t *testing.T) {
	ctx := context.Background()
	loc := models.Coord{Lat: 3.15, Lon: 101.70}
	for i := 0; i < 20; i++ {
		f := newFixture()
		f.svc.Store = slowStore{f.store}
		a, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
		f.payFor(t, a.ID, "u1")
		b, _, _ := f.svc.Initiate(ctx, "u2", 4, 5)
		f.payFor(t, b.ID, "u2")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, errs[j] = f.svc.StartRoute(ctx, "d1", loc)
			}(j)
		}
		wg.Wait()

		if n := activeFor(t, f.store, "d1"); n != 1 {
			t.Fatalf("iteration %d: driver active on %d rides", i, n)
		}
		failed := 0
		for _, err := range errs {
			if errors.Is(err, ErrDriverEnRoute) {
				failed++
			} else if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
		}
		if failed != 1 {
			t.Fatalf("iteration %d: expected one start rejected, got %v", i, errs)
		}
	}
}

func TestStoreKeepsOneActiveRideAcrossServices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	shared := slowStore{f.store}
	f.svc.Store = shared
	// a second replica with its own locks over the same store
	other := &Service{
		Store:    shared,
		Stops:    f.svc.Stops,
		Routes:   f.router,
		Payments: f.pay,
		Ranker:   f.svc.Ranker,
		Logger:   logging.Discard(),
	}
	a, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
	b, _, _ := f.svc.Initiate(ctx, "u2", 4, 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for j, svc := range []*Service{f.svc, other} {
		wg.Add(1)
		go func(j int, svc *Service, rideID string) {
			defer wg.Done()
			_, errs[j] = svc.Activate(ctx, rideID, "d1")
		}(j, svc, []string{a.ID, b.ID}[j])
	}
	wg.Wait()

	if n := activeFor(t, f.store, "d1"); n != 1 {
		t.Fatalf("driver active on %d rides", n)
	}
	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("expected exactly one activation, got %v", errs)
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrDriverEnRoute) {
			t.Fatalf("expected ErrDriverEnRoute, got %v", err)
		}
	}
}

func TestUnassignVehicle(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	reg := fleet.NewMemoryRegistry()
	f.svc.Fleet = reg
	loc := models.Coord{Lat: 3.15, Lon: 101.70}

	_ = reg.Claim(ctx, "ABC123", "d1")
	r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
	f.payFor(t, r.ID, "u1")
	if _, err := f.svc.StartRoute(ctx, "d1", loc); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.UnassignVehicle(ctx, "d1", "ABC123"); !errors.Is(err, ErrDriverEnRoute) {
		t.Fatalf("expected ErrDriverEnRoute, got %v", err)
	}
	if _, ok, _ := reg.VehicleOf(ctx, "d1"); !ok {
		t.Fatal("vehicle released during a route")
	}
	_, _ = f.svc.Complete(ctx, r.ID, "d1")
	if err := f.svc.UnassignVehicle(ctx, "d1", "ABC123"); err != nil {
		t.Fatal(err)
	}
}

func TestUnassignRacingStartRoute(t *testing.T) {
	ctx := context.Background()
	loc := models.Coord{Lat: 3.15, Lon: 101.70}
	for i := 0; i < 20; i++ {
		f := newFixture()
		f.svc.Store = slowStore{f.store}
		reg := fleet.NewMemoryRegistry()
		f.svc.Fleet = reg
		_ = reg.Claim(ctx, "ABC123", "d1")
		r, _, _ := f.svc.Initiate(ctx, "u1", 1, 2)
		f.payFor(t, r.ID, "u1")

		var wg sync.WaitGroup
		var startErr, unassignErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, startErr = f.svc.StartRoute(ctx, "d1", loc) }()
		go func() { defer wg.Done(); unassignErr = f.svc.UnassignVehicle(ctx, "d1", "ABC123") }()
		wg.Wait()

		if startErr == nil && unassignErr == nil {
			t.Fatalf("iteration %d: driver on a route without a vehicle", i)
		}
	}
}
