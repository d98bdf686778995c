package relay

import (
	"compress/flate"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// UpstreamURL is the base stream URL, e.g. "http://host:port/collector".
	UpstreamURL string
	// Label identifies this client to the upstream for logging.
	Label string
	// Deflate requests transport compression from the upstream.
	Deflate bool
	// MinBackoff/MaxBackoff bound the reconnect delay after a failed
	// long-poll round trip. Defaults: 500ms / 30s.
	MinBackoff, MaxBackoff time.Duration
	// HTTPClient is used for outbound requests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client is a long-poll relay client: it repeatedly requests the next
// batch from an upstream stream's /stream endpoint, forwards decoded
// events to Sink, and reconnects with exponential backoff on failure or
// disconnect, resuming from the last sequence number it saw.
type Client struct {
	opts ClientOptions
	sink func(events []event.Event) error

	lastSeenID uint64
}

// NewClient creates a Client that forwards every decoded batch to sink
// (typically a local stream.Node's Publish).
func NewClient(opts ClientOptions, sink func(events []event.Event) error) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Client{opts: opts, sink: sink}
}

// Run connects and relays until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.opts.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		gotEvents, err := c.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("relay: upstream poll failed", "url", c.opts.UpstreamURL, "error", err)
			if !sleepWithJitter(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.opts.MaxBackoff)
			continue
		}
		if gotEvents {
			backoff = c.opts.MinBackoff
		}
		// A clean empty round trip (long-poll timeout) reconnects immediately;
		// the upstream's own timeout already rate-limits us.
	}
}

// pollOnce issues a single long-poll request and forwards any decoded
// events. It reports whether at least one event was delivered.
func (c *Client) pollOnce(ctx context.Context) (bool, error) {
	req, err := c.buildRequest(ctx)
	if err != nil {
		return false, err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return false, nil
	case http.StatusOK:
		// fall through to decode
	case http.StatusServiceUnavailable:
		return false, fmt.Errorf("upstream stream unavailable (HTTP 503)")
	default:
		return false, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	if resp.Header.Get("X-Gap") == "1" {
		slog.Warn("relay: gap reported by upstream, missed events will not be recovered locally",
			"url", c.opts.UpstreamURL, "last_seen_id", c.lastSeenID)
	}

	body := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "deflate" {
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		body = fr
	}

	events, err := wire.DecodeAll(body)
	if err != nil {
		return false, fmt.Errorf("decoding upstream batch: %w", err)
	}
	if len(events) == 0 {
		return false, nil
	}

	if err := c.sink(events); err != nil {
		return false, fmt.Errorf("forwarding to sink: %w", err)
	}
	for _, e := range events {
		if raw, ok := e.ExtraHeaders[wire.StreamSeqHeader]; ok {
			if seq, err := strconv.ParseUint(raw, 10, 64); err == nil && seq > c.lastSeenID {
				c.lastSeenID = seq
			}
		}
	}
	return true, nil
}

func (c *Client) buildRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.opts.UpstreamURL + "/stream")
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	q := u.Query()
	if c.lastSeenID > 0 {
		q.Set("last_seen_id", strconv.FormatUint(c.lastSeenID, 10))
	}
	if c.opts.Label != "" {
		q.Set("label", c.opts.Label)
	}
	if c.opts.Deflate {
		q.Set("deflate", "1")
	}
	u.RawQuery = q.Encode()

	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// sleepWithJitter waits a random duration in [d/2, d) or until ctx is cancelled. Returns
// false if ctx was cancelled first.
func sleepWithJitter(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	timer := time.NewTimer(d/2 + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
