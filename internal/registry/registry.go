// Package registry tracks each driver's current position, availability and
// vehicle class, and answers nearest-neighbor candidate queries.
package registry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Registry is the minimal interface required by the coordinator.
// Upsert is idempotent with last-write-wins per driver; an empty Nearby
// result is the "no drivers" signal, not an error.
type Registry interface {
	Upsert(ctx context.Context, d models.DriverEntry) error
	Nearby(ctx context.Context, origin models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.DriverEntry, error)
	SetAvailability(ctx context.Context, driverID string, available bool) error
	Get(ctx context.Context, driverID string) (models.DriverEntry, bool, error)
}

// ErrUnknownDriver is returned by SetAvailability for a driver that has
// never reported a location.
var ErrUnknownDriver = fmt.Errorf("unknown driver")

// Index is an in-memory Registry used for tests and single-node runs.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverEntry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverEntry)}
}

func (g *Index) Upsert(_ context.Context, d models.DriverEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.DriverID] = d
	return nil
}

func (g *Index) SetAvailability(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	d.Available = available
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverEntry, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok, nil
}

// naive scan; in prod use the Redis GEO index
func (g *Index) Nearby(_ context.Context, origin models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.DriverEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverEntry
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available || d.VehicleClass != class {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm*1000 {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
