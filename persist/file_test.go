package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
)

func TestAppendThenPreloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	store, err := OpenFile(path)
	require.NoError(t, err)

	events := []event.Event{
		{EventID: "a", SourceID: "s1", ApplicationID: "app", Timestamp: time.Now().Truncate(time.Millisecond)},
		{EventID: "b", SourceID: "s1", ApplicationID: "app", Timestamp: time.Now().Truncate(time.Millisecond)},
	}
	require.NoError(t, store.Append(events))
	require.NoError(t, store.Close())

	loaded, err := Preload(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].EventID)
	assert.Equal(t, "b", loaded[1].EventID)
}

func TestPreloadMissingFileReturnsEmpty(t *testing.T) {
	loaded, err := Preload(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestAppendAcrossMultipleCallsAccumulates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	store, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, store.Append([]event.Event{{EventID: "a", SourceID: "s1"}}))
	require.NoError(t, store.Close())

	store2, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, store2.Append([]event.Event{{EventID: "b", SourceID: "s1"}}))
	require.NoError(t, store2.Close())

	loaded, err := Preload(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
}
