package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestPushNotifierSendsPerPassenger(t *testing.T) {
	var mu sync.Mutex
	var topics []string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message struct {
				Topic        string `json:"topic"`
				Notification struct {
					Body string `json:"body"`
				} `json:"notification"`
			} `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		topics = append(topics, body.Message.Topic)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		if !strings.Contains(body.Message.Notification.Body, "KL Tower") {
			t.Errorf("unexpected body %q", body.Message.Notification.Body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "k")
	err := p.NotifyRideStarting(context.Background(), RideStarting{RideID: "r1", Passengers: []string{"u1", "u2"}, StartName: "KLIA1 Bus Terminal", EndName: "KL Tower", ArriveMinutes: 4.7, TripMinutes: 52.2})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(topics) != 2 || topics[0] != "user_u1" || topics[1] != "user_u2" {
		t.Fatalf("unexpected topics %v", topics)
	}
	if auth != "Bearer k" {
		t.Fatalf("unexpected auth header %q", auth)
	}
}

func TestPushNotifierReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewPushNotifier(srv.URL, "").NotifyRideStarting(context.Background(), RideStarting{Passengers: []string{"u1"}})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestRideStartingText(t *testing.T) {
	got := RideStarting{StartName: "A", EndName: "B", ArriveMinutes: 4.9, TripMinutes: 12.1}.Text()
	want := "Your booking from A to B is starting! Expect a vehicle to arrive within 4 minutes. The trip will take 12 minutes."
	if got != want {
		t.Fatalf("got %q", got)
	}
}
