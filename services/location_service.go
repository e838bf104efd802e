package services

import (
	"context"
	"math"

	"meetup-server/models"
)

// LocationProvider resolves the device position during registration.
// Resolution failures are expected (permissions, no fix) and callers fall
// back to models.DefaultPosition.
type LocationProvider interface {
	CurrentPosition(ctx context.Context) ([]float64, error)
}

// StaticLocationProvider always reports one configured coordinate. It is
// the default provider for server deployments, where there is no device
// sensor to ask.
type StaticLocationProvider struct {
	Position []float64
}

func (p *StaticLocationProvider) CurrentPosition(ctx context.Context) ([]float64, error) {
	if !models.ValidPosition(p.Position) {
		return append([]float64(nil), models.DefaultPosition...), nil
	}
	return append([]float64(nil), p.Position...), nil
}

const earthRadiusKm = 6371

// Distance returns the haversine distance in kilometers between two
// [lat, lng] pairs.
func Distance(a, b []float64) float64 {
	lat1, lon1 := a[0], a[1]
	lat2, lon2 := b[0], b[1]

	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
