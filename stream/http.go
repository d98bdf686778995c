package stream

import (
	"compress/flate"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// DefaultLongPollTimeout bounds how long a GET .../stream request waits for
// the next batch before returning an empty response and letting the client
// reconnect.
const DefaultLongPollTimeout = 30 * time.Second

// PublishInterceptor lets a component outside this package (the feedback
// handler) synchronously answer a publish request instead of the default
// empty 200. It is consulted once per publish, with the freshly-dispatched
// batch; returning handled=false falls through to the default response.
// headers are set on the response verbatim (e.g. Content-Type,
// Content-Encoding).
type PublishInterceptor interface {
	HandlePublish(ctx context.Context, events []event.Event) (body []byte, headers map[string]string, handled bool)
}

// Handler adapts a Node to the HTTP surface in spec.md §6:
//
//	GET  /<path>/stream     long-poll subscription
//	POST /<path>            publish (GET alias for embedded clients)
//	GET  /<path>/compressed same as stream with deflate forced
type Handler struct {
	Node            *Node
	Interceptor     PublishInterceptor
	LongPollTimeout time.Duration
	ParseBody       bool // if true, ParsedBody is populated from JSON for interceptors/filters
}

// Register mounts the handler's three routes under mux mounted at path.
func (h *Handler) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc("GET "+path+"/stream", h.serveStream(false))
	mux.HandleFunc("GET "+path+"/compressed", h.serveStream(true))
	mux.HandleFunc("POST "+path, h.servePublish)
	mux.HandleFunc("GET "+path, h.servePublish)
}

func (h *Handler) serveStream(forceDeflate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var fromSeq uint64
		if raw := q.Get("last_seen_id"); raw != "" {
			if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
				fromSeq = parsed
			}
		}
		deflate := forceDeflate || q.Get("deflate") == "1" || q.Get("deflate") == "true"

		sub := h.Node.Subscribe(SubscribeOptions{
			LastSeenID: fromSeq,
			Label:      q.Get("label"),
			Deflate:    deflate,
		})
		defer sub.Close()

		timeout := h.LongPollTimeout
		if timeout <= 0 {
			timeout = DefaultLongPollTimeout
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case batch, ok := <-sub.Batches():
			if !ok {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeBatch(w, batch, deflate)
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
			return
		}
	}
}

func writeBatch(w http.ResponseWriter, batch Batch, deflate bool) {
	if batch.Gap {
		w.Header().Set("X-Gap", "1")
	}
	w.Header().Set("Content-Type", "application/octet-stream")

	var out io.Writer = w
	var flusher *flate.Writer
	if deflate {
		w.Header().Set("Content-Encoding", "deflate")
		flusher, _ = flate.NewWriter(w, flate.DefaultCompression)
		out = flusher
	}

	w.WriteHeader(http.StatusOK)
	events := make([]event.Event, len(batch.Entries))
	for i, e := range batch.Entries {
		stamped := e.Event.Clone()
		if stamped.ExtraHeaders == nil {
			stamped.ExtraHeaders = make(map[string]string)
		}
		stamped.ExtraHeaders[wire.StreamSeqHeader] = strconv.FormatUint(e.Seq, 10)
		events[i] = stamped
	}
	_ = wire.EncodeAll(out, events)
	if flusher != nil {
		flusher.Close()
	}
}

func (h *Handler) servePublish(w http.ResponseWriter, r *http.Request) {
	if !h.Node.AllowsPublish() {
		http.Error(w, "stream is read-only", http.StatusServiceUnavailable)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "deflate" {
		fr := flate.NewReader(r.Body)
		defer fr.Close()
		body = fr
	}

	events, err := wire.DecodeAll(body)
	if err != nil {
		http.Error(w, "malformed event stream: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.ParseBody {
		for i := range events {
			events[i].ParsedBody = parseJSONBody(events[i].Body)
		}
	}

	if err := h.Node.Publish(events); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if h.Interceptor != nil {
		if respBody, headers, handled := h.Interceptor.HandlePublish(r.Context(), events); handled {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(respBody)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func parseJSONBody(body []byte) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	return parsed
}
