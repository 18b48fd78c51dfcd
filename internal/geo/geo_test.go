package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestFindCandidatesFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 0, Lon: 0}
	// ~111m per 0.001 degree of latitude
	_ = idx.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 0.009}, VehicleClass: "economy", Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 0.001}, VehicleClass: "economy", Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "mid", Loc: models.Coord{Lat: 0.004}, VehicleClass: "economy", Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "offline", Loc: models.Coord{Lat: 0.001}, VehicleClass: "economy", Online: false})
	_ = idx.Upsert(ctx, models.Driver{ID: "premium", Loc: models.Coord{Lat: 0.001}, VehicleClass: "premium", Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "outside", Loc: models.Coord{Lat: 0.05}, VehicleClass: "economy", Online: true})

	got, err := idx.FindCandidates(ctx, center, 1500, "economy", []string{"mid"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(got), got)
	}
	if got[0].ID != "near" || got[1].ID != "far" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].DistanceMeters >= got[1].DistanceMeters {
		t.Fatal("expected increasing distance")
	}
}

func TestRemoveDropsDriver(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Driver{ID: "d1", Online: true})
	_ = idx.Remove(ctx, "d1")
	got, _ := idx.FindCandidates(ctx, models.Coord{}, 100, "", nil)
	if len(got) != 0 {
		t.Fatalf("expected no candidates after remove, got %d", len(got))
	}
}
