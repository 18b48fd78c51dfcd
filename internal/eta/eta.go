package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend that can estimate travel time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns the cached value if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is straight-line distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator picks the best available ETA: cache, then routing client, then
// the straight-line estimate. Client and Cache are optional.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) PickupETA(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
