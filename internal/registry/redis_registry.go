package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRegistry implements Registry on Redis GEO commands plus a per-driver
// metadata hash. Driver records are never removed; availability is a flag.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

func NewRedisRegistry(addr, password, key string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, key: key}
}

// NewRedisRegistryFromClient wraps an existing client, e.g. one shared with
// the location consumer.
func NewRedisRegistryFromClient(c *redis.Client, key string) *RedisRegistry {
	return &RedisRegistry{client: c, key: key}
}

func (r *RedisRegistry) Close() error { return r.client.Close() }

func (r *RedisRegistry) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisRegistry) Upsert(ctx context.Context, d models.DriverEntry) error {
	// GEOADD for position, HSET for metadata
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.DriverID), map[string]interface{}{
		"available": strconv.FormatBool(d.Available),
		"class":     string(d.VehicleClass),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisRegistry) SetAvailability(ctx context.Context, driverID string, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownDriver
	}
	return r.client.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.DriverEntry, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverEntry{}, false, err
	}
	if len(m) == 0 {
		return models.DriverEntry{}, false, nil
	}
	d := entryFromMeta(driverID, m)
	if pos, err := r.client.GeoPos(ctx, r.key, driverID).Result(); err == nil && len(pos) > 0 && pos[0] != nil {
		d.Loc.Lat = pos[0].Latitude
		d.Loc.Lon = pos[0].Longitude
	}
	return d, true, nil
}

func (r *RedisRegistry) Nearby(ctx context.Context, origin models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.DriverEntry, error) {
	// over-fetch: availability and class live in the hash, not the GEO set
	count := limit * 4
	if count < 16 {
		count = 16
	}
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: count, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverEntry, 0, limit)
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d := entryFromMeta(g.Name, m)
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if !d.Available || d.VehicleClass != class {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func entryFromMeta(driverID string, m map[string]string) models.DriverEntry {
	d := models.DriverEntry{DriverID: driverID}
	if v, ok := m["available"]; ok {
		d.Available = (v == "true")
	}
	if v, ok := m["class"]; ok {
		d.VehicleClass = models.VehicleClass(v)
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = ts
		}
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
