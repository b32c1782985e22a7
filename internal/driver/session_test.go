package driver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
)

type fakeBackend struct {
	assignErr  error
	startErr   error
	endErr     error
	assignment models.Assignment

	assigned   []string
	unassigned []string
	ended      []string
}

func (f *fakeBackend) AssignVehicle(_ context.Context, plate string) error {
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, plate)
	return nil
}

func (f *fakeBackend) UnassignVehicle(_ context.Context, plate string) error {
	f.unassigned = append(f.unassigned, plate)
	return nil
}

func (f *fakeBackend) StartRoute(_ context.Context, _ models.Coord) (models.Assignment, error) {
	if f.startErr != nil {
		return models.Assignment{}, f.startErr
	}
	return f.assignment, nil
}

func (f *fakeBackend) EndRoute(_ context.Context, rideID string) error {
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, rideID)
	return nil
}

type fakeChannel struct {
	err       error
	claims    []channel.StartTrip
	published []models.Coord
	ended     []string
}

func (f *fakeChannel) Claim(st channel.StartTrip) error {
	f.claims = append(f.claims, st)
	return f.err
}

func (f *fakeChannel) PublishLocation(_ string, lat, lon float64, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, models.Coord{Lat: lat, Lon: lon})
	return nil
}

func (f *fakeChannel) EndTrip(tripID string) error {
	f.ended = append(f.ended, tripID)
	return f.err
}

func newSession(b *fakeBackend, ch *fakeChannel) *Session {
	return NewSession(b, ch, DefaultSamplePolicy(), logging.Discard())
}

func onRoute(t *testing.T, s *Session) models.Assignment {
	t.Helper()
	ctx := context.Background()
	if err := s.AssignVehicle(ctx, "WXY1234"); err != nil {
		t.Fatal(err)
	}
	a, err := s.StartRoute(ctx, models.Coord{Lat: 3.14, Lon: 101.69})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestUnassignWhileOnRoute(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "r1", NumPassengers: 2, Passengers: []string{"u1", "u2"}}}
	s := newSession(b, &fakeChannel{})
	onRoute(t, s)

	if err := s.UnassignVehicle(context.Background()); !errors.Is(err, ErrActiveRouteInProgress) {
		t.Fatalf("expected ErrActiveRouteInProgress, got %v", err)
	}
	if s.State() != OnRoute || s.Vehicle() != "WXY1234" {
		t.Fatalf("session changed: %s %q", s.State(), s.Vehicle())
	}
	if len(b.unassigned) != 0 {
		t.Fatal("backend must not be asked to unassign")
	}
}

func TestStartRouteClaimsTrip(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "42", StartName: "KLIA1 Bus Terminal", EndName: "KL Tower", Passengers: []string{"u1"}}}
	ch := &fakeChannel{}
	s := newSession(b, ch)
	onRoute(t, s)

	if len(ch.claims) != 1 || ch.claims[0].TripID != "42" || ch.claims[0].EndLocation != "KL Tower" {
		t.Fatalf("unexpected claims %+v", ch.claims)
	}
	if trip, ok := s.Trip(); !ok || trip.RideID != "42" {
		t.Fatalf("expected trip 42, got %+v", trip)
	}
	if _, err := s.StartRoute(context.Background(), models.Coord{}); !errors.Is(err, ErrActiveRouteInProgress) {
		t.Fatalf("second start: %v", err)
	}
}

func TestStartRouteRequiresVehicle(t *testing.T) {
	s := newSession(&fakeBackend{}, &fakeChannel{})
	if _, err := s.StartRoute(context.Background(), models.Coord{}); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
}

func TestAssignVehicleUnavailable(t *testing.T) {
	s := newSession(&fakeBackend{assignErr: ErrVehicleUnavailable}, &fakeChannel{})
	if err := s.AssignVehicle(context.Background(), "ABC1"); !errors.Is(err, ErrVehicleUnavailable) {
		t.Fatalf("expected ErrVehicleUnavailable, got %v", err)
	}
	if s.State() != Unassigned {
		t.Fatalf("state %s", s.State())
	}
}

func TestEndRouteTwice(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "r1"}}
	ch := &fakeChannel{}
	s := newSession(b, ch)
	onRoute(t, s)

	if err := s.EndRoute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.EndRoute(context.Background()); !errors.Is(err, ErrNoActiveRoute) {
		t.Fatalf("expected ErrNoActiveRoute, got %v", err)
	}
	if len(b.ended) != 1 || len(ch.ended) != 1 {
		t.Fatalf("second end had side effects: backend %v channel %v", b.ended, ch.ended)
	}
	if s.State() != Assigned {
		t.Fatalf("state %s", s.State())
	}
	if err := s.UnassignVehicle(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEndRouteChannelFailureIsNotFatal(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "r1"}}
	ch := &fakeChannel{}
	s := newSession(b, ch)
	onRoute(t, s)

	ch.err = errors.New("socket down")
	if err := s.EndRoute(context.Background()); err != nil {
		t.Fatalf("channel error leaked: %v", err)
	}
	if s.State() != Assigned {
		t.Fatalf("state %s", s.State())
	}
}

func TestEndRouteBackendFailureStaysOnRoute(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "r1"}}
	ch := &fakeChannel{}
	s := newSession(b, ch)
	onRoute(t, s)

	b.endErr = errors.New("503")
	if err := s.EndRoute(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.State() != OnRoute || len(ch.ended) != 0 {
		t.Fatalf("state %s, channel ended %v", s.State(), ch.ended)
	}
}

func TestObserveTimeOrDistance(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "r1"}}
	ch := &fakeChannel{}
	s := newSession(b, ch)

	t0 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	here := models.Coord{Lat: 3.1390, Lon: 101.6869}
	if _, err := s.Observe(here, t0); !errors.Is(err, ErrNoActiveRoute) {
		t.Fatalf("expected ErrNoActiveRoute, got %v", err)
	}
	onRoute(t, s)

	steps := []struct {
		loc  models.Coord
		at   time.Time
		want bool
	}{
		{here, t0, true},                                   // first reading
		{here, t0.Add(2 * time.Second), false},             // too soon, not moved
		{models.Coord{Lat: 3.1391, Lon: 101.6869}, t0.Add(3 * time.Second), true}, // ~11m
		{models.Coord{Lat: 3.1391, Lon: 101.6869}, t0.Add(7 * time.Second), false},
		{models.Coord{Lat: 3.1391, Lon: 101.6869}, t0.Add(8 * time.Second), true}, // 5s elapsed
	}
	for i, st := range steps {
		got, err := s.Observe(st.loc, st.at)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != st.want {
			t.Fatalf("step %d: published=%v want %v", i, got, st.want)
		}
	}
	if len(ch.published) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(ch.published))
	}
}

func TestObserveRetriesAfterPublishFailure(t *testing.T) {
	b := &fakeBackend{assignment: models.Assignment{RideID: "r1"}}
	ch := &fakeChannel{}
	s := newSession(b, ch)
	onRoute(t, s)

	t0 := time.Now()
	ch.err = errors.New("not connected")
	if _, err := s.Observe(models.Coord{Lat: 1, Lon: 1}, t0); err == nil {
		t.Fatal("expected publish error")
	}
	ch.err = nil
	if ok, err := s.Observe(models.Coord{Lat: 1, Lon: 1}, t0.Add(time.Second)); err != nil || !ok {
		t.Fatalf("reading after failure should publish: %v %v", ok, err)
	}
}

func TestAPIClientMapsErrorCodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/driver/assign_vehicle":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "taken", "code": "vehicle_unavailable"})
		case "/route/start":
			_, _ = w.Write([]byte(`{"route":[12.5,{"ride_id":"r9","num_passengers":1,"start_name":"KL Sentral","end_name":"KL Tower","time_start_end":14,"time_veh_arrive":3},0]}`))
		default:
			w.WriteHeader(http.StatusTeapot)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope", "code": "other"})
		}
	}))
	defer ts.Close()

	c := NewAPIClient(ts.URL, "tok", time.Second)
	ctx := context.Background()
	if err := c.AssignVehicle(ctx, "X1"); !errors.Is(err, ErrVehicleUnavailable) {
		t.Fatalf("expected ErrVehicleUnavailable, got %v", err)
	}
	a, err := c.StartRoute(ctx, models.Coord{Lat: 3.1, Lon: 101.6})
	if err != nil {
		t.Fatal(err)
	}
	if a.RideID != "r9" || a.EndName != "KL Tower" || a.TimeStartEnd != 14 {
		t.Fatalf("unexpected assignment %+v", a)
	}
	var apiErr *APIError
	if err := c.EndRoute(ctx, "r9"); !errors.As(err, &apiErr) || apiErr.Status != http.StatusTeapot {
		t.Fatalf("expected APIError, got %v", err)
	}
}
