package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceZeroForIdenticalPoint(t *testing.T) {
	l := Location{Lat: 40.4, Long: -3.7}
	assert.Equal(t, 0.0, l.Distance(l))
}

func TestDistanceSymmetric(t *testing.T) {
	a := Location{Lat: 40.4, Long: -3.7}
	b := Location{Lat: 40.41, Long: -3.71}
	assert.InDelta(t, a.Distance(b), b.Distance(a), 1e-9)
}

func TestDistanceKnownValue(t *testing.T) {
	// Roughly 1 degree of latitude ~ 111.2km at the equator.
	a := Location{Lat: 0, Long: 0}
	b := Location{Lat: 1, Long: 0}
	d := a.Distance(b)
	assert.InDelta(t, 111195.0, d, 500)
}

func TestDistanceAntipodalClamp(t *testing.T) {
	a := Location{Lat: 0, Long: 0}
	b := Location{Lat: 0, Long: 180}
	d := a.Distance(b)
	assert.InDelta(t, math.Pi*earthRadiusMeters, d, 1.0)
}

func TestBoundingBoxContainsCenter(t *testing.T) {
	center := Location{Lat: 40.4, Long: -3.7}
	topLeft, bottomRight := center.BoundingBox(1000)

	assert.True(t, topLeft.Lat < center.Lat && center.Lat < bottomRight.Lat)
	assert.True(t, topLeft.Long < center.Long && center.Long < bottomRight.Long)
}

func TestStringAndParseRoundTrip(t *testing.T) {
	l := Location{Lat: 40.4, Long: -3.7}
	parsed, err := Parse(l.String())
	require.NoError(t, err)
	assert.InDelta(t, l.Lat, parsed.Lat, 1e-9)
	assert.InDelta(t, l.Long, parsed.Long, 1e-9)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("not-a-location")
	assert.Error(t, err)
}
