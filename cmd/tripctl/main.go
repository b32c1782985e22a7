// Command tripctl is a terminal client for the tracking service. It can
// follow a trip as a rider or simulate a driver along a route.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/driver"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/rider"
	"github.com/example/ride-tracking/internal/wsclient"
)

const usage = `usage:
  tripctl watch -trip ID
  tripctl drive -vehicle PLATE -lat LAT -lng LNG [-speed MPS] [-tick DURATION]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// one channel connection per process, shared by every command
	conn := wsclient.New(cfg.SocketURL, wsclient.Options{
		Token:            cfg.Token,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		Logger:           logger,
	})
	conn.Start(ctx)
	defer conn.Close()

	switch os.Args[1] {
	case "watch":
		err = watch(ctx, conn, os.Args[2:], logger)
	case "drive":
		err = drive(ctx, cfg, conn, os.Args[2:], logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tripctl failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, conn *wsclient.Conn, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	trip := fs.String("trip", "", "trip id to follow")
	_ = fs.Parse(args)
	if *trip == "" {
		return errors.New("-trip is required")
	}

	view, err := rider.Open(conn, *trip, logger)
	if err != nil {
		return err
	}
	defer view.Close()
	fmt.Printf("trip %s: %s\n", *trip, view.State())

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-view.Updates():
			_ = enc.Encode(s)
		case <-view.Done():
			fmt.Printf("trip %s: %s\n", *trip, view.State())
			return nil
		}
	}
}

func drive(ctx context.Context, cfg config.ClientConfig, conn *wsclient.Conn, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("drive", flag.ExitOnError)
	plate := fs.String("vehicle", "", "licence number of the vehicle")
	lat := fs.Float64("lat", 0, "start latitude")
	lng := fs.Float64("lng", 0, "start longitude")
	speed := fs.Float64("speed", 12, "simulated speed in metres per second")
	tick := fs.Duration("tick", time.Second, "interval between position readings")
	_ = fs.Parse(args)
	if *plate == "" {
		return errors.New("-vehicle is required")
	}

	api := driver.NewAPIClient(cfg.APIURL, cfg.Token, cfg.RequestTimeout)
	policy := driver.SamplePolicy{Interval: cfg.SampleInterval, Distance: cfg.SampleDistance}
	sess := driver.NewSession(api, conn, policy, logger)

	if err := sess.AssignVehicle(ctx, *plate); err != nil {
		return fmt.Errorf("assign vehicle: %w", err)
	}
	defer func() {
		// fresh context: the parent may already be cancelled
		cctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if sess.State() == driver.OnRoute {
			if err := sess.EndRoute(cctx); err != nil {
				logger.Warn("end route on exit failed", "error", err)
			}
		}
		if err := sess.UnassignVehicle(cctx); err != nil {
			logger.Warn("unassign on exit failed", "error", err)
		}
	}()

	here := models.Coord{Lat: *lat, Lon: *lng}
	a, err := sess.StartRoute(ctx, here)
	if err != nil {
		return fmt.Errorf("start route: %w", err)
	}
	fmt.Printf("ride %s: %d passenger(s), %s -> %s\n", a.RideID, a.NumPassengers, a.StartName, a.EndName)

	toPickup, err := api.Directions(ctx, here, a.StartLoc)
	if err != nil {
		return fmt.Errorf("directions to pickup: %w", err)
	}
	trip, err := api.Directions(ctx, a.StartLoc, a.EndLoc)
	if err != nil {
		return fmt.Errorf("directions to drop-off: %w", err)
	}
	w := newWalker(append(toPickup, trip...), *speed)
	logger.Info("driving", "ride_id", a.RideID, "metres", int(w.length()))

	start := time.Now()
	t := time.NewTicker(*tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			pos, done := w.at(now.Sub(start).Seconds())
			if _, err := sess.Observe(pos, now); err != nil {
				logger.Warn("location not published", "error", err)
			}
			if done {
				if err := sess.EndRoute(ctx); err != nil {
					return fmt.Errorf("end route: %w", err)
				}
				fmt.Printf("ride %s completed\n", a.RideID)
				return nil
			}
		}
	}
}
