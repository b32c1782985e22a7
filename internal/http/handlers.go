package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/fleet"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/rides"
	"github.com/example/ride-tracking/internal/route"
)

const maxBody = 64 << 10

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid json: %v", err)
	}
	return nil
}

type initiateRequest struct {
	StartLocation int64 `json:"start_location"`
	EndLocation   int64 `json:"end_location"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, est, err := s.rides.Initiate(r.Context(), userFrom(r.Context()).ID, req.StartLocation, req.EndLocation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tagRide(r.Context(), ride.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"ride_id":               ride.ID,
		"estimated_duration":    est.DurationMinutes,
		"estimated_price_cents": est.PriceCents,
		"start_location":        ride.StartStop,
		"end_location":          ride.EndStop,
		"polyline":              est.Polyline,
	})
}

type bookingView struct {
	*models.Ride
	NumPassengers int  `json:"num_passengers"`
	Paid          bool `json:"paid"`
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	list, err := s.rides.ListByRider(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]bookingView, 0, len(list))
	for _, ride := range list {
		out = append(out, bookingView{Ride: ride, NumPassengers: ride.NumPassengers(), Paid: ride.HasPassenger(u.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": out})
}

type rideRef struct {
	RideID string `json:"ride_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req rideRef
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RideID == "" {
		s.writeError(w, r, badRequest("ride_id is required"))
		return
	}
	tagRide(r.Context(), req.RideID)
	ride, err := s.rides.Cancel(r.Context(), req.RideID, userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": ride.ID, "ride_status": ride.Status})
}

func (s *Server) handleDirections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := route.ParseCoord(q.Get("origin"))
	if err != nil {
		s.writeError(w, r, badRequest("origin: %v", err))
		return
	}
	to, err := route.ParseCoord(q.Get("destination"))
	if err != nil {
		s.writeError(w, r, badRequest("destination: %v", err))
		return
	}
	est, err := s.rides.Directions(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":           []any{map[string]any{"overview_polyline": map[string]string{"points": est.Polyline}}},
		"path":             est.Path,
		"duration_minutes": est.DurationMinutes,
		"price_cents":      est.PriceCents,
	})
}

// handleStops lists the catalogue, or the nearest stops with ?near=lat,lng.
func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		stops []models.Stop
		err   error
	)
	if near := q.Get("near"); near != "" {
		c, perr := route.ParseCoord(near)
		if perr != nil {
			s.writeError(w, r, badRequest("near: %v", perr))
			return
		}
		limit := 5
		if l := q.Get("limit"); l != "" {
			if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
				s.writeError(w, r, badRequest("limit must be a positive integer"))
				return
			}
		}
		stops, err = s.stops.Nearby(r.Context(), c.Lat, c.Lon, limit)
	} else {
		stops, err = s.stops.List(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": stops})
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req rideRef
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RideID == "" {
		s.writeError(w, r, badRequest("ride_id is required"))
		return
	}
	tagRide(r.Context(), req.RideID)
	in, err := s.rides.CreatePaymentIntent(r.Context(), req.RideID, userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clientSecret": in.ClientSecret,
		"intent_id":    in.ID,
		"amount":       in.Amount,
		"currency":     in.Currency,
	})
}

func (s *Server) handlePaymentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publishableKey": s.publishableKey})
}

type confirmRequest struct {
	RideID   string `json:"ride_id"`
	IntentID string `json:"intent_id"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RideID == "" || req.IntentID == "" {
		s.writeError(w, r, badRequest("ride_id and intent_id are required"))
		return
	}
	tagRide(r.Context(), req.RideID)
	ride, err := s.rides.ConfirmPayment(r.Context(), req.RideID, req.IntentID, userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": ride.ID, "num_passengers": ride.NumPassengers(), "ride_status": ride.Status})
}

// handleWebhook accepts provider events. Events for rides that can no
// longer take passengers are acknowledged so the provider stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, badRequest("read body: %v", err))
		return
	}
	in, ok, err := payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook rejected", "error", err)
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	tagRide(r.Context(), in.RideID)
	ride, err := s.rides.RecordPayment(r.Context(), in)
	switch {
	case errors.Is(err, rides.ErrRideNotFound), errors.Is(err, rides.ErrRideNotPayable), errors.Is(err, rides.ErrPaymentNotConfirmed):
		s.logger.Warn("webhook payment not applied", "intent_id", in.ID, "ride_id", in.RideID, "error", err)
		w.WriteHeader(http.StatusOK)
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ride_id": ride.ID, "num_passengers": ride.NumPassengers()})
	}
}

type coordRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (s *Server) handleRouteStart(w http.ResponseWriter, r *http.Request) {
	var req coordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, badRequest("lat and lng are required"))
		return
	}
	a, err := s.rides.StartRoute(r.Context(), userFrom(r.Context()).ID, models.Coord{Lat: *req.Lat, Lon: *req.Lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tagRide(r.Context(), a.RideID)
	writeJSON(w, http.StatusOK, map[string]any{"route": []any{a.Score, a, 0}})
}

func (s *Server) handleRouteEnd(w http.ResponseWriter, r *http.Request) {
	var req rideRef
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RideID == "" {
		s.writeError(w, r, badRequest("ride_id is required"))
		return
	}
	tagRide(r.Context(), req.RideID)
	ride, err := s.rides.Complete(r.Context(), req.RideID, userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// riders must see the end even if the driver's end frame never arrives
	s.hub.Finish(ride.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": ride.ID, "ride_status": ride.Status})
}

type vehicleRequest struct {
	LicenceNumber string `json:"licence_number"`
}

func (s *Server) handleAssignVehicle(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plate, err := fleet.NormalizePlate(req.LicenceNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	driverID := userFrom(r.Context()).ID
	if err := s.fleet.Claim(r.Context(), plate, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("vehicle assigned", "driver_id", driverID, "vehicle", plate)
	writeJSON(w, http.StatusOK, map[string]string{"licence_number": plate})
}

func (s *Server) handleUnassignVehicle(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plate, err := fleet.NormalizePlate(req.LicenceNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	driverID := userFrom(r.Context()).ID
	if err := s.rides.UnassignVehicle(r.Context(), driverID, plate); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("vehicle unassigned", "driver_id", driverID, "vehicle", plate)
	w.WriteHeader(http.StatusNoContent)
}

// handleTripLocation returns the newest sample this replica holds, falling
// back to the shared snapshot store.
func (s *Server) handleTripLocation(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	tagRide(r.Context(), tripID)
	if sample, ok := s.hub.Last(tripID); ok {
		writeJSON(w, http.StatusOK, sample)
		return
	}
	if s.snapshots != nil {
		sample, ok, err := s.snapshots.Get(r.Context(), tripID)
		if err != nil {
			s.logger.Warn("snapshot read failed", "trip_id", tripID, "error", err)
		} else if ok {
			writeJSON(w, http.StatusOK, sample)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	s.channel.Serve(w, r, channel.Peer{ID: u.ID, Driver: u.Role == RoleDriver})
}
