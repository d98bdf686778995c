package wire

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
)

func sampleEvent() event.Event {
	return event.Event{
		EventID:       "e1",
		SourceID:      "driver-phone-1",
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ApplicationID: "SmartDriver",
		EventType:     "Vehicle Location",
		Body:          []byte(`{"latitude":40.4,"longitude":-3.7,"score":600}`),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := sampleEvent()
	require.NoError(t, Encode(&buf, in))

	out, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)

	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, in.SourceID, out.SourceID)
	assert.Equal(t, in.ApplicationID, out.ApplicationID)
	assert.Equal(t, in.EventType, out.EventType)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Body, out.Body)
}

func TestEncodeDecodeRoundTripWithAggregatorsAndDerivedFrom(t *testing.T) {
	var buf bytes.Buffer
	in := sampleEvent()
	in.AggregatorIDs = []string{"node-a", "node-b"}
	in.ExtraHeaders = map[string]string{event.DerivedFromHeader: "e0"}

	require.NoError(t, Encode(&buf, in))
	out, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)

	assert.Equal(t, []string{"node-a", "node-b"}, out.AggregatorIDs)
	assert.Equal(t, "e0", out.ExtraHeaders[event.DerivedFromHeader])
}

func TestDecodeAllReadsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	a, b := sampleEvent(), sampleEvent()
	b.EventID = "e2"
	require.NoError(t, EncodeAll(&buf, []event.Event{a, b}))

	out, err := DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "e1", out[0].EventID)
	assert.Equal(t, "e2", out[1].EventID)
}

func TestDecodeEmptyStreamReturnsEOF(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil)).Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRejectsMissingEventID(t *testing.T) {
	raw := "Source-Id: s1\r\nContent-Length: 0\r\n\r\n"
	_, err := NewDecoder(bytes.NewReader([]byte(raw))).Decode()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecodeRejectsMissingContentLength(t *testing.T) {
	raw := "Event-Id: e1\r\nSource-Id: s1\r\n\r\n"
	_, err := NewDecoder(bytes.NewReader([]byte(raw))).Decode()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestEncodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	e := sampleEvent()
	e.Body = nil
	require.NoError(t, Encode(&buf, e))

	out, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)
	assert.Empty(t, out.Body)
}
