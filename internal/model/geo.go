package model

import "math"

const earthRadiusKm = 6371.0088

// DistanceKm is the great-circle distance between two lat/lon positions.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Contains reports whether the vehicle falls inside the subscription radius.
// Subscriptions without a radius contain everything.
func (p SubscriptionParams) Contains(v VehicleState) bool {
	if !p.HasRadius() {
		return true
	}
	return DistanceKm(p.CenterLat, p.CenterLon, v.Lat, v.Lon) <= p.RadiusKm
}
