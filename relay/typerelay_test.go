package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/stream"
)

func TestNoSpaces(t *testing.T) {
	assert.Equal(t, "VehicleLocation", NoSpaces("Vehicle Location"))
	assert.Equal(t, "HighSpeed", NoSpaces("High Speed"))
}

func TestTypeRelayRepublishesMatchingEventsOnly(t *testing.T) {
	parent := stream.New("/collector", stream.Options{AllowPublish: true})

	created := make(map[string]*stream.Node)
	tr := NewTypeRelay(parent, "SmartDriver", []string{"Vehicle Location", "High Speed"}, func(path string) *stream.Node {
		n := stream.New(path, stream.Options{AllowPublish: false})
		created[path] = n
		return n
	})
	tr.Start()
	defer tr.Stop()

	require.NoError(t, parent.Publish([]event.Event{
		{EventID: "a", ApplicationID: "SmartDriver", EventType: "Vehicle Location"},
		{EventID: "b", ApplicationID: "SmartDriver", EventType: "Context Data"}, // not in the set
		{EventID: "c", ApplicationID: "OtherApp", EventType: "Vehicle Location"}, // wrong app
	}))

	require.Eventually(t, func() bool {
		child, ok := tr.Child("Vehicle Location")
		return ok && child.Latest() == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := tr.Child("Context Data")
	assert.False(t, ok)

	child, _ := tr.Child("Vehicle Location")
	assert.Equal(t, "/collector/type/VehicleLocation", child.Path())
	assert.False(t, child.AllowsPublish())
}

func TestTypeRelayStopUnregistersTap(t *testing.T) {
	parent := stream.New("/collector", stream.Options{AllowPublish: true})
	tr := NewTypeRelay(parent, "SmartDriver", []string{"Vehicle Location"}, func(path string) *stream.Node {
		return stream.New(path, stream.Options{})
	})
	tr.Start()
	tr.Stop()

	require.NoError(t, parent.Publish([]event.Event{
		{EventID: "a", ApplicationID: "SmartDriver", EventType: "Vehicle Location"},
	}))

	_, ok := tr.Child("Vehicle Location")
	assert.False(t, ok)
}
