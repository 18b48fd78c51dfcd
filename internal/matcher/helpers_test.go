package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGeo returns every driver within the radius and deliberately ignores
// the exclude list so the loop's own filtering is what gets tested.
type fakeGeo struct {
	mu       sync.Mutex
	drivers  []models.DriverCandidate
	failures int
	radii    []float64
	// onFind runs before each query is answered.
	onFind func()
}

func (f *fakeGeo) FindCandidates(_ context.Context, _ models.Coord, radius float64, _ models.VehicleClass, _ []string) ([]models.DriverCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radii = append(f.radii, radius)
	if f.onFind != nil {
		f.onFind()
	}
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("geo unavailable")
	}
	var out []models.DriverCandidate
	for _, d := range f.drivers {
		if d.DistanceMeters <= radius {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeGeo) Radii() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.radii...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	payloads []models.OfferPayload
	onNotify func(driverID string)
	err      error
}

func (f *fakeNotifier) NotifyDriver(_ context.Context, driverID, _ string, p models.OfferPayload) error {
	f.mu.Lock()
	f.notified = append(f.notified, driverID)
	f.payloads = append(f.payloads, p)
	hook := f.onNotify
	f.mu.Unlock()
	if hook != nil {
		go hook(driverID)
	}
	return f.err
}

func (f *fakeNotifier) Notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

type fixedETA float64

func (e fixedETA) PickupETA(context.Context, models.Coord, models.Coord) float64 { return float64(e) }

func candidate(id string, dist float64) models.DriverCandidate {
	return models.DriverCandidate{ID: id, DistanceMeters: dist, VehicleClass: "economy"}
}

func testConfig() Config {
	return Config{
		InitialRadiusMeters: 1000,
		MaxRadiusMeters:     3000,
		Expand:              StepExpander([]float64{1000, 2000, 3000}),
		OfferTimeout:        30 * time.Millisecond,
		GeoRetries:          2,
		GeoBackoff:          time.Millisecond,
	}
}

func newTestLoop(store storage.RequestStore, g *fakeGeo, n *fakeNotifier) *Loop {
	return &Loop{Store: store, Geo: g, Notifier: n, Config: testConfig(), Logger: discardLogger()}
}

func createRequest(t *testing.T, store storage.RequestStore) string {
	t.Helper()
	r := &models.RideRequest{
		ID:           uuid.NewString(),
		RiderID:      "rider-1",
		Pickup:       models.Coord{Lat: 25.033, Lon: 121.565},
		Dropoff:      models.Coord{Lat: 25.047, Lon: 121.531},
		VehicleClass: "economy",
		Status:       models.StatusCreated,
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}
	return r.ID
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
