package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RideStarting describes a ride that a driver has just picked up.
type RideStarting struct {
	RideID        string
	Passengers    []string
	StartName     string
	EndName       string
	ArriveMinutes float64
	TripMinutes   float64
}

func (r RideStarting) Text() string {
	return fmt.Sprintf("Your booking from %s to %s is starting! Expect a vehicle to arrive within %d minutes. The trip will take %d minutes.",
		r.StartName, r.EndName, int(r.ArriveMinutes), int(r.TripMinutes))
}

type Notifier interface {
	NotifyRideStarting(ctx context.Context, n RideStarting) error
}

// PushNotifier posts one FCM-style message per passenger, addressed to the
// passenger's user topic.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) NotifyRideStarting(ctx context.Context, n RideStarting) error {
	var errs []error
	for _, user := range n.Passengers {
		if err := p.send(ctx, user, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", user, err))
		}
	}
	return errors.Join(errs...)
}

func (p *PushNotifier) send(ctx context.Context, user string, n RideStarting) error {
	body := map[string]any{"message": map[string]any{
		"topic":        "user_" + user,
		"notification": map[string]any{"title": "Ride starting", "body": n.Text()},
		"data":         map[string]any{"ride_id": n.RideID},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier records notifications when no push endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) NotifyRideStarting(_ context.Context, n RideStarting) error {
	l.Logger.Info("ride starting", "ride_id", n.RideID, "passengers", len(n.Passengers), "message", n.Text())
	return nil
}
