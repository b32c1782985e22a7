package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
)

// fakeStore implements SnapshotStore for tests
type fakeStore struct {
	failPut  int // number of times to fail Put before succeeding
	putCalls int
	deleted  []string
}

func (f *fakeStore) Put(ctx context.Context, s models.LocationSample) error {
	f.putCalls++
	if f.putCalls <= f.failPut {
		return errors.New("put fail")
	}
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, tripID string) error {
	f.deleted = append(f.deleted, tripID)
	return nil
}

func sampleMsg(t *testing.T, s models.LocationSample) kafka.Message {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: "trip-locations", Key: []byte(s.TripID), Value: b}
}

func TestWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeStore{failPut: 2}
	h := &handler{store: f, attempts: 3, delay: 10 * time.Millisecond, logger: logging.Discard()}
	start := time.Now()
	h.handleSample(context.Background(), sampleMsg(t, models.LocationSample{TripID: "42", Lat: 1, Lon: 2}))
	if f.putCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.putCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestWithRetry_FailsWhenExhausted(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected error after 3 calls, got err=%v calls=%d", err, calls)
	}
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withRetry(ctx, 5, time.Second, func() error { calls++; return errors.New("down") })
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancel after first call, got err=%v calls=%d", err, calls)
	}
}

func TestInvalidSampleSkipped(t *testing.T) {
	f := &fakeStore{}
	h := &handler{store: f, attempts: 3, delay: time.Millisecond, logger: logging.Discard()}
	h.handleSample(context.Background(), kafka.Message{Topic: "trip-locations", Value: []byte("{nope")})
	if f.putCalls != 0 {
		t.Fatal("invalid message reached the store")
	}
}

func TestRideEventsClearSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	snaps := channel.NewRedisSnapshots(rc, time.Hour)
	h := &handler{store: snaps, attempts: 2, delay: time.Millisecond, logger: logging.Discard()}
	ctx := context.Background()

	h.handleSample(ctx, sampleMsg(t, models.LocationSample{TripID: "r1", Seq: 1, Lat: 3.1, Lon: 101.7, CapturedAt: time.Now()}))
	if _, ok, _ := snaps.Get(ctx, "r1"); !ok {
		t.Fatal("snapshot not stored")
	}

	event := func(to models.RideStatus) kafka.Message {
		b, _ := json.Marshal(models.RideEvent{RideID: "r1", From: models.RideInitiated, To: to})
		return kafka.Message{Topic: "ride-events", Key: []byte("r1"), Value: b}
	}
	h.handleRideEvent(ctx, event(models.RideActive))
	if _, ok, _ := snaps.Get(ctx, "r1"); !ok {
		t.Fatal("non-final event removed the snapshot")
	}
	h.handleRideEvent(ctx, event(models.RideCompleted))
	if _, ok, _ := snaps.Get(ctx, "r1"); ok {
		t.Fatal("completed ride still has a snapshot")
	}
}
