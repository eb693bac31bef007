package model

import "time"

// VehicleState is the normalized record kept per vehicle.
type VehicleState struct {
	ID    string  `json:"id"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Speed float64 `json:"speed"`
}

// Point is one coordinate pair as produced by the map source: [lon, lat].
type Point [2]float64

// X is the first axis (longitude).
func (p Point) X() float64 { return p[0] }

// Y is the second axis (latitude).
func (p Point) Y() float64 { return p[1] }

// Swap returns the pair with its axes exchanged.
func (p Point) Swap() Point { return Point{p[1], p[0]} }

// RoadSegment is static geometry. Geometry is longitude-first; use LatLngs
// before handing it to anything that expects [lat, lon].
type RoadSegment struct {
	ID       int64   `json:"id"`
	Geometry []Point `json:"geometry"`
}

// LatLngs returns a copy of the geometry with each pair swapped to [lat, lon].
func (s RoadSegment) LatLngs() []Point {
	out := make([]Point, len(s.Geometry))
	for i, p := range s.Geometry {
		out[i] = p.Swap()
	}
	return out
}

// Clone returns a deep copy of the segment.
func (s RoadSegment) Clone() RoadSegment {
	g := make([]Point, len(s.Geometry))
	copy(g, s.Geometry)
	return RoadSegment{ID: s.ID, Geometry: g}
}

// Snapshot is a point-in-time copy of every known vehicle. It is never
// modified after it has been published.
type Snapshot struct {
	Seq      uint64         `json:"seq"`
	At       time.Time      `json:"at"`
	Vehicles []VehicleState `json:"vehicles"`
}

// SubscriptionParams scope which vehicles a streaming connection delivers.
// RadiusKm of zero means no radius was given.
type SubscriptionParams struct {
	CenterLat float64 `json:"centerLat"`
	CenterLon float64 `json:"centerLon"`
	RadiusKm  float64 `json:"radiusKm,omitempty"`
}

// HasRadius reports whether a radius is part of the subscription.
func (p SubscriptionParams) HasRadius() bool { return p.RadiusKm > 0 }
