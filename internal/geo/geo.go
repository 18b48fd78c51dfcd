package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// GeoIndex is the query contract the dispatch loop depends on.
type GeoIndex interface {
	FindCandidates(ctx context.Context, center models.Coord, radiusMeters float64, class models.VehicleClass, exclude []string) ([]models.DriverCandidate, error)
}

// Locator is a GeoIndex that also accepts location updates.
type Locator interface {
	GeoIndex
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// FindCandidates does a naive scan; fine for tests and single-node demos.
func (g *Index) FindCandidates(_ context.Context, center models.Coord, radiusMeters float64, class models.VehicleClass, exclude []string) ([]models.DriverCandidate, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverCandidate, 0)
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		if class != "" && d.VehicleClass != class {
			continue
		}
		if _, ok := skip[d.ID]; ok {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.DriverCandidate{ID: d.ID, Location: d.Loc, VehicleClass: d.VehicleClass, DistanceMeters: dist})
	}
	// map iteration is random; ID breaks distance ties so a response is deterministic
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].ID < out[j].ID
	})
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
