// Package geo implements the Location primitive: great-circle distance and
// bounding boxes on a sphere approximation of Earth.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// earthRadiusMeters is the sphere radius used for all geodesic math (R).
const earthRadiusMeters = 6371000.0

// Location is a point in decimal degrees.
type Location struct {
	Lat  float64
	Long float64
}

const degToRad = math.Pi / 180

func (l Location) latRadians() float64  { return l.Lat * degToRad }
func (l Location) longRadians() float64 { return l.Long * degToRad }

// Distance returns the great-circle distance in meters between l and
// other. Rounding error can push the spherical-law-of-cosines term
// slightly outside [-1,1]; such excursions are clamped to 0 (identical
// points) or πR (antipodal points) rather than propagated as NaN.
func (l Location) Distance(other Location) float64 {
	v := math.Sin(l.latRadians())*math.Sin(other.latRadians()) +
		math.Cos(l.latRadians())*math.Cos(other.latRadians())*
			math.Cos(l.longRadians()-other.longRadians())
	switch {
	case v > 1:
		return 0
	case v < -1:
		return math.Pi * earthRadiusMeters
	default:
		return math.Acos(v) * earthRadiusMeters
	}
}

// BoundingBox returns the smallest axis-aligned rectangle (as two corner
// Locations: top-left, bottom-right) that contains a circle of the given
// radius (in meters) centered on l.
func (l Location) BoundingBox(radiusMeters float64) (topLeft, bottomRight Location) {
	r := radiusMeters / earthRadiusMeters
	deltaLong := math.Asin(math.Sin(r) / math.Cos(l.latRadians()))
	return fromRadians(l.latRadians()-r, l.longRadians()-deltaLong),
		fromRadians(l.latRadians()+r, l.longRadians()+deltaLong)
}

func fromRadians(latR, longR float64) Location {
	return Location{Lat: latR * 180 / math.Pi, Long: longR * 180 / math.Pi}
}

// String formats l as "lat,long", matching the wire representation used
// for the "prev" field in scores-endpoint response lines.
func (l Location) String() string {
	return fmt.Sprintf("%g,%g", l.Lat, l.Long)
}

// Parse reads a Location from "lat,long" text.
func Parse(text string) (Location, error) {
	parts := strings.SplitN(text, ",", 2)
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("geo: invalid location %q: want \"lat,long\"", text)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Location{}, fmt.Errorf("geo: invalid latitude in %q: %w", text, err)
	}
	long, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Location{}, fmt.Errorf("geo: invalid longitude in %q: %w", text, err)
	}
	return Location{Lat: lat, Long: long}, nil
}
