package balancer

import (
	"math"

	"nightguard-core/internal/models"
)

// earthRadiusMeters 地球半径（米）
const earthRadiusMeters = 6371000

// Haversine 大圆距离（米）
func Haversine(a, b models.GeoPoint) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// HaversineKm 大圆距离（公里）
func HaversineKm(a, b models.GeoPoint) float64 {
	return Haversine(a, b) / 1000
}
