package tracker

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
)

func TestNewWritesHeaderRow(t *testing.T) {
	var buf bytes.Buffer
	New(&buf)

	r := csv.NewReader(&buf)
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "event_id", rows[0][0])
}

func TestObserveAppendsOneRowPerEvent(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf)

	tr.Observe([]event.Event{
		{EventID: "a", SourceID: "s1", Timestamp: time.Now().Add(-50 * time.Millisecond)},
		{EventID: "b", SourceID: "s1", Timestamp: time.Now()},
	})

	r := csv.NewReader(&buf)
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + 2
	assert.Equal(t, "a", rows[1][0])
	assert.Equal(t, "b", rows[2][0])
}
