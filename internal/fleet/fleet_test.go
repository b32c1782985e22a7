package fleet

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseRegistry(t *testing.T, reg Registry) {
	t.Helper()
	ctx := context.Background()

	if err := reg.Claim(ctx, "ABC123", "d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := reg.Claim(ctx, "ABC123", "d1"); err != nil {
		t.Fatalf("re-claim by holder should succeed: %v", err)
	}
	if err := reg.Claim(ctx, "ABC123", "d2"); !errors.Is(err, ErrVehicleUnavailable) {
		t.Fatalf("expected ErrVehicleUnavailable, got %v", err)
	}
	if err := reg.Claim(ctx, "XYZ9", "d1"); !errors.Is(err, ErrDriverHasVehicle) {
		t.Fatalf("expected ErrDriverHasVehicle, got %v", err)
	}
	if p, ok, _ := reg.VehicleOf(ctx, "d1"); !ok || p != "ABC123" {
		t.Fatalf("expected d1 on ABC123, got %q %v", p, ok)
	}
	if err := reg.Release(ctx, "ABC123", "d2"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := reg.Release(ctx, "ABC123", "d1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := reg.VehicleOf(ctx, "d1"); ok {
		t.Fatal("expected no vehicle after release")
	}
	if err := reg.Claim(ctx, "ABC123", "d2"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestMemoryRegistry(t *testing.T) {
	exerciseRegistry(t, NewMemoryRegistry())
}

func TestRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	exerciseRegistry(t, NewRedisRegistry(client))
}

func TestNormalizePlate(t *testing.T) {
	p, err := NormalizePlate(" abc 123 ")
	if err != nil || p != "ABC123" {
		t.Fatalf("expected ABC123, got %q err=%v", p, err)
	}
	if _, err := NormalizePlate("  "); !errors.Is(err, ErrInvalidPlate) {
		t.Fatalf("expected ErrInvalidPlate, got %v", err)
	}
}
