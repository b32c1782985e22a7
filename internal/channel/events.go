package channel

import (
	"encoding/json"
	"time"
)

// Event names on the wire. Every frame is an Envelope.
const (
	EventLocationUpdate = "driver_location_update"
	EventStartTrip      = "driver_start_trip"
	EventEndTrip        = "driver_end_trip"
	EventSubscribe      = "subscribe_trip"
	EventUnsubscribe    = "unsubscribe_trip"
	EventTripEnded      = "trip_ended"
	EventError          = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationUpdate is sent by drivers and forwarded to subscribers, which also
// see the sequence number.
type LocationUpdate struct {
	TripID     string    `json:"trip_id"`
	Location   Location  `json:"location"`
	CapturedAt time.Time `json:"captured_at"`
	Seq        uint64    `json:"seq,omitempty"`
}

type StartTrip struct {
	TripID        string   `json:"trip_id"`
	StartLocation string   `json:"start_location"`
	EndLocation   string   `json:"end_location"`
	Passengers    []string `json:"passengers"`
}

type TripRef struct {
	TripID string `json:"trip_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	TripID  string `json:"trip_id,omitempty"`
}

func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
