package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func entry(id string, lat, lon float64, class models.VehicleClass, available bool) models.DriverEntry {
	return models.DriverEntry{
		DriverID:     id,
		Loc:          models.Coord{Lat: lat, Lon: lon},
		Available:    available,
		VehicleClass: class,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	if err := idx.Upsert(ctx, entry("d1", 12.97, 77.59, models.ClassCar, true)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Upsert(ctx, entry("d1", 12.98, 77.60, models.ClassCar, true)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	d, ok, err := idx.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if d.Loc.Lat != 12.98 || d.Loc.Lon != 77.60 {
		t.Fatalf("last write should win, got %+v", d.Loc)
	}
}

func TestNearbyFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	origin := models.Coord{Lat: 12.9716, Lon: 77.5946}

	// ~1.1km east, matching class, available
	idx.Upsert(ctx, entry("near", 12.9716, 77.6046, models.ClassCar, true))
	// ~2.2km east, matching class, available
	idx.Upsert(ctx, entry("far", 12.9716, 77.6146, models.ClassCar, true))
	// right at origin, wrong class
	idx.Upsert(ctx, entry("moto", 12.9716, 77.5946, models.ClassMoto, true))
	// right at origin, unavailable
	idx.Upsert(ctx, entry("busy", 12.9716, 77.5946, models.ClassCar, false))
	// ~110km away, outside radius
	idx.Upsert(ctx, entry("remote", 13.97, 77.5946, models.ClassCar, true))

	got, err := idx.Nearby(ctx, origin, models.ClassCar, 50, 3)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "far" {
		t.Fatalf("expected nearest-first ordering, got %s then %s", got[0].DriverID, got[1].DriverID)
	}
}

func TestNearbyLimit(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	origin := models.Coord{Lat: 12.9716, Lon: 77.5946}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		idx.Upsert(ctx, entry(id, 12.9716, 77.5946, models.ClassAuto, true))
	}
	got, err := idx.Nearby(ctx, origin, models.ClassAuto, 50, 3)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(got))
	}
}

func TestNearbyEmpty(t *testing.T) {
	idx := NewIndex()
	got, err := idx.Nearby(context.Background(), models.Coord{Lat: 1, Lon: 1}, models.ClassCar, 50, 3)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestSetAvailability(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	idx.Upsert(ctx, entry("d1", 12.97, 77.59, models.ClassCar, true))
	if err := idx.SetAvailability(ctx, "d1", false); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	d, _, _ := idx.Get(ctx, "d1")
	if d.Available {
		t.Fatal("driver should be unavailable")
	}
	if err := idx.SetAvailability(ctx, "ghost", true); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestHaversine(t *testing.T) {
	if d := Haversine(12.97, 77.59, 12.97, 77.59); d != 0 {
		t.Fatalf("zero distance expected, got %f", d)
	}
	// Bangalore to Chennai, roughly 290km
	d := Haversine(12.9716, 77.5946, 13.0827, 80.2707)
	if d < 280000 || d > 300000 {
		t.Fatalf("implausible distance %f", d)
	}
}
