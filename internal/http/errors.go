package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/ride-tracking/internal/fleet"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/rides"
	"github.com/example/ride-tracking/internal/route"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters only where errors wrap each other.
var errorTable = []errorMapping{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{rides.ErrInvalidSelection, http.StatusBadRequest, "invalid_selection"},
	{rides.ErrRouteUnavailable, http.StatusUnprocessableEntity, "route_unavailable"},
	{rides.ErrUpstreamUnreachable, http.StatusServiceUnavailable, "upstream_unreachable"},
	{route.ErrProviderRejected, http.StatusBadGateway, "provider_rejected"},
	{rides.ErrRideNotPayable, http.StatusConflict, "ride_not_payable"},
	{rides.ErrPaymentNotConfirmed, http.StatusPaymentRequired, "payment_not_confirmed"},
	{rides.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{rides.ErrRideNotFound, http.StatusNotFound, "ride_not_found"},
	{rides.ErrOngoingBooking, http.StatusConflict, "ongoing_booking"},
	{rides.ErrDriverEnRoute, http.StatusConflict, "active_route_in_progress"},
	{rides.ErrNoQueuedRides, http.StatusNotFound, "no_queued_rides"},
	{rides.ErrNoVehicle, http.StatusConflict, "no_vehicle"},
	{rides.ErrForbidden, http.StatusForbidden, "forbidden"},
	{fleet.ErrVehicleUnavailable, http.StatusConflict, "vehicle_unavailable"},
	{fleet.ErrDriverHasVehicle, http.StatusConflict, "driver_has_vehicle"},
	{fleet.ErrNotHolder, http.StatusConflict, "not_holder"},
	{fleet.ErrInvalidPlate, http.StatusBadRequest, "invalid_plate"},
	{payments.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{payments.ErrIntentNotFound, http.StatusNotFound, "intent_not_found"},
}

func classify(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeError is the one place errors become HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeErrorStatus(w, status, code, msg)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
