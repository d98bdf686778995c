package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36) // canonical UUID text form
}

func TestDeriveFromCopiesIdentityAndStampsHeader(t *testing.T) {
	src := Event{
		EventID:       NewID(),
		SourceID:      "driver-42",
		ApplicationID: "SmartDriver",
		AggregatorIDs: []string{"collector-1"},
	}

	derived := DeriveFrom(src, "Vehicle Location", []byte(`{"ok":true}`))

	require.NotEqual(t, src.EventID, derived.EventID)
	assert.Equal(t, src.SourceID, derived.SourceID)
	assert.Equal(t, src.ApplicationID, derived.ApplicationID)
	assert.Equal(t, "Vehicle Location", derived.EventType)
	assert.Equal(t, src.EventID, derived.ExtraHeaders[DerivedFromHeader])
	assert.Equal(t, []string{"collector-1"}, derived.AggregatorIDs)
}

func TestWithAggregatorAppendsWithoutMutatingSource(t *testing.T) {
	src := Event{AggregatorIDs: []string{"a"}}
	out := src.WithAggregator("b")

	assert.Equal(t, []string{"a"}, src.AggregatorIDs)
	assert.Equal(t, []string{"a", "b"}, out.AggregatorIDs)
}

func TestCloneIsIndependent(t *testing.T) {
	src := Event{
		Body:          []byte("abc"),
		AggregatorIDs: []string{"x"},
		ExtraHeaders:  map[string]string{"k": "v"},
	}
	clone := src.Clone()
	clone.Body[0] = 'z'
	clone.AggregatorIDs[0] = "y"
	clone.ExtraHeaders["k"] = "w"

	assert.Equal(t, byte('a'), src.Body[0])
	assert.Equal(t, "x", src.AggregatorIDs[0])
	assert.Equal(t, "v", src.ExtraHeaders["k"])
}
