package geo

import (
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearestFiltersAndOrders(t *testing.T) {
	now := time.Now()
	ps := []models.Presence{
		{MasterID: "near", Active: true, Loc: models.Coord{Lat: 0.01, Lon: 0}, Updated: now},
		{MasterID: "far", Active: true, Loc: models.Coord{Lat: 0.05, Lon: 0}, Updated: now},
		{MasterID: "off-duty", Active: false, Loc: models.Coord{Lat: 0.001, Lon: 0}, Updated: now},
		{MasterID: "stale", Active: true, Loc: models.Coord{Lat: 0.001, Lon: 0}, Updated: now.Add(-time.Hour)},
		{MasterID: "out-of-range", Active: true, Loc: models.Coord{Lat: 2, Lon: 2}, Updated: now},
	}
	got := Nearest(ps, 0, 0, 15, 10, time.Minute)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].MasterID != "near" || got[1].MasterID != "far" {
		t.Fatalf("wrong order: %s, %s", got[0].MasterID, got[1].MasterID)
	}
}

func TestNearestTopN(t *testing.T) {
	now := time.Now()
	var ps []models.Presence
	for i := 0; i < 5; i++ {
		ps = append(ps, models.Presence{MasterID: string(rune('a' + i)), Active: true, Loc: models.Coord{Lat: 0.001 * float64(i+1)}, Updated: now})
	}
	got := Nearest(ps, 0, 0, 15, 3, time.Minute)
	if len(got) != 3 {
		t.Fatalf("expected top 3, got %d", len(got))
	}
}
