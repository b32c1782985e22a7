package rides

import "errors"

var (
	ErrInvalidSelection    = errors.New("invalid stop selection")
	ErrRouteUnavailable    = errors.New("no route between stops")
	ErrUpstreamUnreachable = errors.New("route provider unreachable")
	ErrRideNotPayable      = errors.New("ride is not payable")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrInvalidTransition   = errors.New("invalid ride status transition")
	ErrRideNotFound        = errors.New("ride not found")
	ErrOngoingBooking      = errors.New("rider already has an ongoing booking")
	ErrDriverEnRoute       = errors.New("driver already on a route")
	ErrNoQueuedRides       = errors.New("no rides with waiting passengers")
	ErrNoVehicle           = errors.New("driver has no assigned vehicle")
	ErrForbidden           = errors.New("not a member of this ride")
)
