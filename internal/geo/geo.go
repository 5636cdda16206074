package geo

import (
	"math"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// Nearest filters presence snapshots down to active, fresh masters
// within radiusKm of the breakdown point and returns the closest topN.
// Presence is advisory, so a stale entry is simply skipped rather than
// treated as an error.
func Nearest(presences []models.Presence, lat, lon, radiusKm float64, topN int, maxAge time.Duration) []models.Presence {
	type pair struct {
		p    models.Presence
		dist float64
	}
	arr := make([]pair, 0, len(presences))
	for _, p := range presences {
		if !p.Active || p.Stale(maxAge) {
			continue
		}
		dist := HaversineKm(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	// partial selection sort for top-N
	n := topN
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
	out := make([]models.Presence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}

// HaversineKm returns the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000.0
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
