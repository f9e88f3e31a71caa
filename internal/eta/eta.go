// Package eta resolves trip distance and duration through an external
// routing service. The coordinator treats it as an oracle: a failed lookup
// fails the ride request before anything is persisted.
package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Result is one distance/duration lookup for a coordinate pair.
type Result struct {
	DistanceKm      float64
	DurationMinutes float64
}

// Oracle is the interface used by the coordinator for route lookups.
type Oracle interface {
	Route(ctx context.Context, from, to models.Coord) (Result, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Result
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached result and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Result, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Result{}, false
	}
	return e.v, true
}

// Set stores a result in the cache.
func (c *Cache) Set(a, b models.Coord, v Result) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps an Oracle with a Cache.
type Cached struct {
	Oracle Oracle
	Cache  *Cache
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Result, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Oracle.Route(ctx, from, to)
	if err != nil {
		return Result{}, err
	}
	c.Cache.Set(from, to, v)
	return v, nil
}

// Static estimates over the great-circle distance at a fixed speed. Used for
// local runs and tests when no routing server is configured.
type Static struct {
	SpeedKmh float64
}

func (s Static) Route(_ context.Context, from, to models.Coord) (Result, error) {
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = 30 // default city speed
	}
	km := haversine(from.Lat, from.Lon, to.Lat, to.Lon) / 1000.0
	return Result{DistanceKm: km, DurationMinutes: km / speed * 60}, nil
}

// local haversine to avoid import cycle with registry
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
