package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Locator using one Redis GEO set per vehicle class.
type RedisGeo struct {
	client *redis.Client
	prefix string
	// Limit caps how many members a single GEOSEARCH returns.
	Limit int
}

func NewRedisGeo(client *redis.Client, prefix string) *RedisGeo {
	return &RedisGeo{client: client, prefix: prefix, Limit: 50}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if !d.Online {
		return r.Remove(ctx, d.ID)
	}
	// a driver can switch class, so clear the previous membership first
	prev, err := r.client.HGet(ctx, metaKey(d.ID), "class").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read driver meta: %w", err)
	}
	pipe := r.client.TxPipeline()
	if prev != "" && prev != string(d.VehicleClass) {
		pipe.ZRem(ctx, r.classKey(models.VehicleClass(prev)), d.ID)
	}
	pipe.GeoAdd(ctx, r.classKey(d.VehicleClass), &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"class":   string(d.VehicleClass),
		"online":  strconv.FormatBool(d.Online),
		"updated": time.Now().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	class, err := r.client.HGet(ctx, metaKey(driverID), "class").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read driver meta: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.classKey(models.VehicleClass(class)), driverID)
	pipe.HSet(ctx, metaKey(driverID), "online", "false")
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) FindCandidates(ctx context.Context, center models.Coord, radiusMeters float64, class models.VehicleClass, exclude []string) ([]models.DriverCandidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.classKey(class), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      r.Limit + len(exclude),
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]models.DriverCandidate, 0, len(res))
	for _, g := range res {
		if _, ok := skip[g.Name]; ok {
			continue
		}
		out = append(out, models.DriverCandidate{
			ID:             g.Name,
			Location:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			VehicleClass:   class,
			DistanceMeters: g.Dist,
		})
		if r.Limit > 0 && len(out) >= r.Limit {
			break
		}
	}
	return out, nil
}

func (r *RedisGeo) classKey(class models.VehicleClass) string {
	if class == "" {
		class = "any"
	}
	return r.prefix + ":" + string(class)
}

func metaKey(id string) string { return "driver:meta:" + id }
