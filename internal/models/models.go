package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

type Stop struct {
	ID   int64  `json:"location_id"`
	Name string `json:"location_name"`
	Loc  Coord  `json:"coordinates"`
}

// RideStatus is the lifecycle state of a ride. Values are single letters to
// match the rides.ride_status column.
type RideStatus string

const (
	RideInitiated RideStatus = "I"
	RideActive    RideStatus = "A"
	RideCompleted RideStatus = "C"
	RideCancelled RideStatus = "X"
)

func (s RideStatus) String() string {
	switch s {
	case RideInitiated:
		return "initiated"
	case RideActive:
		return "active"
	case RideCompleted:
		return "completed"
	case RideCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition may leave s.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

type Ride struct {
	ID                string     `json:"ride_id"`
	RiderID           string     `json:"rider_id"`
	DriverID          string     `json:"driver_id,omitempty"`
	StartStop         int64      `json:"start_location"`
	EndStop           int64      `json:"end_location"`
	Passengers        []string   `json:"-"`
	EstimatedDuration float64    `json:"estimated_duration"`
	EstimatedPrice    int64      `json:"estimated_price_cents"`
	Status            RideStatus `json:"ride_status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (r *Ride) NumPassengers() int { return len(r.Passengers) }

// HasPassenger reports whether riderID already paid for a seat.
func (r *Ride) HasPassenger(riderID string) bool {
	for _, p := range r.Passengers {
		if p == riderID {
			return true
		}
	}
	return false
}

// Clone returns a copy that does not share the passenger slice.
func (r *Ride) Clone() *Ride {
	c := *r
	c.Passengers = append([]string(nil), r.Passengers...)
	return &c
}

type RouteEstimate struct {
	Path            []Coord `json:"path"`
	Polyline        string  `json:"polyline"`
	DurationMinutes float64 `json:"duration_minutes"`
	PriceCents      int64   `json:"price_cents"`
}

type LocationSample struct {
	TripID     string    `json:"trip_id"`
	Seq        uint64    `json:"seq"`
	Lat        float64   `json:"latitude"`
	Lon        float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// Assignment is what a driver receives when a route starts.
type Assignment struct {
	RideID        string   `json:"ride_id"`
	NumPassengers int      `json:"num_passengers"`
	Passengers    []string `json:"passengers"`
	StartName     string   `json:"start_name"`
	StartLoc      Coord    `json:"start_coordinates"`
	EndName       string   `json:"end_name"`
	EndLoc        Coord    `json:"end_coordinates"`
	TimeStartEnd  float64  `json:"time_start_end"`
	TimeVehArrive float64  `json:"time_veh_arrive"`
	Score         float64  `json:"-"`
	CarbonSaved   float64  `json:"-"`
}

// RideEvent is emitted on every committed status change.
type RideEvent struct {
	RideID     string     `json:"ride_id"`
	From       RideStatus `json:"from"`
	To         RideStatus `json:"to"`
	DriverID   string     `json:"driver_id,omitempty"`
	Passengers int        `json:"num_passengers"`
	At         time.Time  `json:"at"`
}
