package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/fleet"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/rides"
)

// SnapshotReader serves last-known samples written by other replicas.
type SnapshotReader interface {
	Get(ctx context.Context, tripID string) (models.LocationSample, bool, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Rides     *rides.Service
	Stops     geo.Directory
	Fleet     fleet.Registry
	Hub       *channel.Hub
	Channel   *channel.Server
	Snapshots SnapshotReader // optional

	JWTSecret      string
	PublishableKey string
	WebhookSecret  string // webhook route is disabled when empty

	Checks map[string]Check
}

type Server struct {
	rides     *rides.Service
	stops     geo.Directory
	fleet     fleet.Registry
	hub       *channel.Hub
	channel   *channel.Server
	snapshots SnapshotReader

	jwtSecret      []byte
	publishableKey string
	webhookSecret  string
	checks         map[string]Check

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:          d.Rides,
		stops:          d.Stops,
		fleet:          d.Fleet,
		hub:            d.Hub,
		channel:        d.Channel,
		snapshots:      d.Snapshots,
		jwtSecret:      []byte(d.JWTSecret),
		publishableKey: d.PublishableKey,
		webhookSecret:  d.WebhookSecret,
		checks:         d.Checks,
		logger:         logger,
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/stops", s.handleStops).Methods("GET")
	s.mux.HandleFunc("/payment/config", s.handlePaymentConfig).Methods("GET")
	if s.webhookSecret != "" {
		s.mux.HandleFunc("/payment/webhook", s.handleWebhook).Methods("POST")
	}

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/booking/initiate", s.handleInitiate).Methods("POST")
	api.HandleFunc("/booking/view", s.handleBookings).Methods("GET")
	api.HandleFunc("/booking/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/directions", s.handleDirections).Methods("GET")
	api.HandleFunc("/payment/create-intent", s.handleCreateIntent).Methods("POST")
	api.HandleFunc("/payment/confirm", s.handleConfirmPayment).Methods("POST")

	api.HandleFunc("/route/start", requireRole(RoleDriver, s.handleRouteStart)).Methods("POST")
	api.HandleFunc("/route/end", requireRole(RoleDriver, s.handleRouteEnd)).Methods("POST")
	api.HandleFunc("/driver/assign_vehicle", requireRole(RoleDriver, s.handleAssignVehicle)).Methods("POST")
	api.HandleFunc("/driver/unassign_vehicle", requireRole(RoleDriver, s.handleUnassignVehicle)).Methods("POST")

	api.HandleFunc("/trips/{trip_id}/location", s.handleTripLocation).Methods("GET")
	api.HandleFunc("/ws", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
