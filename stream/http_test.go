package stream

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

func newTestMux(n *Node) *http.ServeMux {
	mux := http.NewServeMux()
	h := &Handler{Node: n, LongPollTimeout: 200 * time.Millisecond}
	h.Register(mux, "/collector")
	return mux
}

func TestServePublishAcceptsEventsAndReturns200(t *testing.T) {
	n := New("/collector", Options{AllowPublish: true})
	srv := httptest.NewServer(newTestMux(n))
	defer srv.Close()

	var body bytes.Buffer
	require.NoError(t, wire.Encode(&body, event.Event{
		EventID: "e1", SourceID: "s1", ApplicationID: "SmartDriver",
		EventType: "Data Section", Body: []byte("{}"),
	}))

	resp, err := http.Post(srv.URL+"/collector", "application/octet-stream", &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(1), n.Latest())
}

func TestServePublishRejectedWhenReadOnly(t *testing.T) {
	n := New("/collector", Options{AllowPublish: false})
	srv := httptest.NewServer(newTestMux(n))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/collector", "application/octet-stream", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamLongPollReturnsPublishedBatch(t *testing.T) {
	n := New("/collector", Options{AllowPublish: true})
	srv := httptest.NewServer(newTestMux(n))
	defer srv.Close()

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/collector/stream")
		require.NoError(t, err)
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond) // let the subscription register
	require.NoError(t, n.Publish([]event.Event{{EventID: "a", SourceID: "s1", ApplicationID: "SmartDriver"}}))

	resp := <-done
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := wire.DecodeAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].EventID)
}

func TestStreamLongPollTimesOutWithNoContent(t *testing.T) {
	n := New("/collector", Options{AllowPublish: true})
	srv := httptest.NewServer(newTestMux(n))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/collector/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
}
