package publisher

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

type capturingServer struct {
	mu      sync.Mutex
	batches [][]event.Event
	fail    atomic.Bool
}

func (c *capturingServer) handler(w http.ResponseWriter, r *http.Request) {
	if c.fail.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	events, err := wire.DecodeAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.batches = append(c.batches, events)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *capturingServer) totalEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestPublisherFlushesAfterBufferingTime(t *testing.T) {
	srv := &capturingServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	p := New(ts.URL, Options{BufferingTime: 20 * time.Millisecond})
	require.NoError(t, p.Publish(event.Event{EventID: "a", SourceID: "s1"}))
	require.NoError(t, p.Publish(event.Event{EventID: "b", SourceID: "s1"}))

	require.Eventually(t, func() bool { return srv.totalEvents() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPublisherSingleBatchForEventsQueuedTogether(t *testing.T) {
	srv := &capturingServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	p := New(ts.URL, Options{BufferingTime: 50 * time.Millisecond})
	require.NoError(t, p.Publish(event.Event{EventID: "a", SourceID: "s1"}))
	require.NoError(t, p.Publish(event.Event{EventID: "b", SourceID: "s1"}))

	require.Eventually(t, func() bool { return srv.totalEvents() == 2 }, time.Second, 5*time.Millisecond)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.batches, 1)
	assert.Len(t, srv.batches[0], 2)
}

func TestPublisherRetriesOnFailureThenSucceeds(t *testing.T) {
	srv := &capturingServer{}
	srv.fail.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	p := New(ts.URL, Options{BufferingTime: time.Millisecond, MinBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	require.NoError(t, p.Publish(event.Event{EventID: "a", SourceID: "s1"}))

	time.Sleep(30 * time.Millisecond)
	srv.fail.Store(false)

	require.Eventually(t, func() bool { return srv.totalEvents() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishAfterStopReturnsError(t *testing.T) {
	srv := &capturingServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	p := New(ts.URL, Options{})
	p.Stop()

	err := p.Publish(event.Event{EventID: "a", SourceID: "s1"})
	assert.Error(t, err)
}

func TestEnforceBoundDropsOldestWhenOverCapacity(t *testing.T) {
	srv := &capturingServer{}
	srv.fail.Store(true) // keep events queued, never sent
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	p := New(ts.URL, Options{BufferingTime: time.Hour, MaxQueueEvents: 2})
	require.NoError(t, p.Publish(event.Event{EventID: "a", SourceID: "s1"}))
	require.NoError(t, p.Publish(event.Event{EventID: "b", SourceID: "s1"}))
	require.NoError(t, p.Publish(event.Event{EventID: "c", SourceID: "s1"}))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.pending, 2)
	assert.Equal(t, "b", p.pending[0].EventID)
	assert.Equal(t, "c", p.pending[1].EventID)
}
