// Package location — geo.go contains pure geographic computation helpers.
package location

import (
	"math"

	"hatid/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceMeters returns the great-circle distance in meters between two
// points specified in decimal degrees.
func DistanceMeters(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c * 1000
}

// DistanceScore maps a distance to a proximity score in [0,1]: exactly 1 at
// 0 m, linearly decreasing, exactly 0 at and beyond radiusM.
func DistanceScore(meters, radiusM float64) float64 {
	return math.Max(0, 1-meters/radiusM)
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
