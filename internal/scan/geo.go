package scan

import (
	"context"
	"math"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in metres.
func Haversine(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// FixedLocator always reports the same point.
type FixedLocator GeoPoint

func (f FixedLocator) Locate(context.Context) (GeoPoint, error) {
	return GeoPoint(f), nil
}

// MovementGate passes when the position moved at least Threshold metres
// since the last pass. The first call always passes.
type MovementGate struct {
	Threshold float64

	last *GeoPoint
}

func (g *MovementGate) Moved(p GeoPoint) bool {
	if g.last != nil && Haversine(*g.last, p) < g.Threshold {
		return false
	}
	g.last = &p
	return true
}
