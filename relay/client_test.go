package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// fakeUpstream serves one batch then 204s forever, recording the
// last_seen_id it was asked for.
type fakeUpstream struct {
	mu           sync.Mutex
	served       bool
	lastRequests []string
}

func (f *fakeUpstream) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastRequests = append(f.lastRequests, r.URL.Query().Get("last_seen_id"))
	served := f.served
	f.served = true
	f.mu.Unlock()

	if served {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	e := event.Event{EventID: "a", SourceID: "s1", ApplicationID: "SmartDriver"}
	e.ExtraHeaders = map[string]string{wire.StreamSeqHeader: "1"}
	var buf bytes.Buffer
	_ = wire.Encode(&buf, e)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func TestClientForwardsDecodedEventsToSink(t *testing.T) {
	up := &fakeUpstream{}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	var mu sync.Mutex
	var got []event.Event
	c := NewClient(ClientOptions{UpstreamURL: srv.URL, MinBackoff: time.Millisecond}, func(events []event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, events...)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].EventID)
}

func TestClientResumesFromLastSeenSeqOnReconnect(t *testing.T) {
	up := &fakeUpstream{}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	c := NewClient(ClientOptions{UpstreamURL: srv.URL, MinBackoff: time.Millisecond}, func(events []event.Event) error {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	up.mu.Lock()
	defer up.mu.Unlock()
	require.GreaterOrEqual(t, len(up.lastRequests), 2)
	assert.Equal(t, "", up.lastRequests[0])
	assert.Equal(t, "1", up.lastRequests[len(up.lastRequests)-1])
}
