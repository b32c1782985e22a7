package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/fleet"
	"github.com/example/ride-tracking/internal/geo"
	httpapi "github.com/example/ride-tracking/internal/http"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/matcher"
	"github.com/example/ride-tracking/internal/notify"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/rides"
	"github.com/example/ride-tracking/internal/route"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewFileLogger(cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]httpapi.Check{}

	// stops, vehicle claims and shared snapshots live in Redis when configured
	var (
		stops     geo.Directory
		registry  fleet.Registry
		snapshots httpapi.SnapshotReader
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		dir := geo.NewRedisDirectory(rc, cfg.RedisStopsKey)
		if err := dir.Seed(ctx, geo.DefaultStops); err != nil {
			return err
		}
		stops = dir
		registry = fleet.NewRedisRegistry(rc)
		snapshots = channel.NewRedisSnapshots(rc, 0)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process stops and vehicle registry")
		stops = geo.NewIndex(geo.DefaultStops...)
		registry = fleet.NewMemoryRegistry()
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
			if err != nil {
				return err
			}
			if err := ps.Migrate(ctx, string(b)); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		store = ps
		checks["postgres"] = ps.Ping
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		store = storage.NewMemoryStore()
	}

	var provider payments.Provider
	if cfg.StripeSecretKey != "" {
		provider = payments.NewStripeClient(cfg.StripeSecretKey)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, payments run in sandbox mode")
		provider = payments.NewSandbox()
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.PushEndpoint != "" {
		notifier = notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	directions := route.NewDirectionsClient(cfg.DirectionsURL, cfg.DirectionsAPIKey, cfg.DirectionsTimeout, cfg.CentsPerMinute)
	ranker := &matcher.Service{DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.DirectionsAPIKey != "" {
		ranker.Durations = directions
	}

	svc := &rides.Service{
		Store:    store,
		Stops:    stops,
		Routes:   directions,
		Payments: provider,
		Ranker:   ranker,
		Fleet:    registry,
		Notifier: notifier,
		Currency: cfg.Currency,
		Logger:   logger.With("component", "rides"),
	}

	var sink channel.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRidesTopic)
		defer kp.Close()
		fwd := channel.NewForwarder(kp, 1024, logger.With("component", "forwarder"))
		go fwd.Run(ctx)
		sink = fwd
		svc.Events = kp
	}

	hub := channel.NewHub(logger.With("component", "hub"), sink)
	wsServer := channel.NewServer(hub, logger.With("component", "channel"), channel.Options{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		SendBuffer:   cfg.WSSendBuffer,
		Guard:        activeRideGuard(svc),
	})

	api := httpapi.NewServer(httpapi.Deps{
		Rides:          svc,
		Stops:          stops,
		Fleet:          registry,
		Hub:            hub,
		Channel:        wsServer,
		Snapshots:      snapshots,
		JWTSecret:      cfg.JWTSecret,
		PublishableKey: cfg.StripePublishableKey,
		WebhookSecret:  cfg.StripeWebhookSecret,
		Checks:         checks,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-tracking listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// activeRideGuard lets a driver publish only for the ride they are on.
func activeRideGuard(svc *rides.Service) channel.PublishGuard {
	return func(ctx context.Context, driverID, tripID string) error {
		r, err := svc.ActiveRide(ctx, driverID)
		if err != nil {
			return err
		}
		if r.ID != tripID {
			return rides.ErrForbidden
		}
		return nil
	}
}
