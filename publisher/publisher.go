// Package publisher implements the continuous publisher (spec.md §4.H): a
// client that accumulates events for at most a buffering-time window, then
// POSTs the batch as a single request to a target stream, retrying with
// backoff and preserving order by keeping exactly one request in flight.
package publisher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// DefaultMaxQueueEvents and DefaultMaxQueueAge are the bounded-queue
// defaults spec.md §4.H recommends ("≥ 1024 events or ≥ 30 seconds").
const (
	DefaultMaxQueueEvents = 1024
	DefaultMaxQueueAge    = 30 * time.Second
)

// Options configures a Publisher.
type Options struct {
	// BufferingTime bounds how long an event waits before being flushed.
	// Zero flushes on the next tick of the event loop (effectively
	// immediately).
	BufferingTime time.Duration
	// MaxQueueEvents bounds the pending queue; once exceeded, the oldest
	// pending events are dropped to make room rather than grow unbounded
	// while the target is unreachable. MaxQueueAge bounds how long a batch
	// that keeps failing is retried, counted from when its first event was
	// queued; past that age the batch is dropped.
	MaxQueueEvents int
	MaxQueueAge    time.Duration
	// MinBackoff/MaxBackoff bound retry delay on send failure.
	MinBackoff, MaxBackoff time.Duration
	HTTPClient             *http.Client
}

// Publisher accumulates events and forwards them to TargetURL.
type Publisher struct {
	targetURL string
	opts      Options

	mu           sync.Mutex
	pending      []event.Event
	pendingSince time.Time
	timer        *time.Timer
	sending      bool
	closed       bool
}

// New creates a Publisher targeting targetURL (a stream node's publish path).
func New(targetURL string, opts Options) *Publisher {
	if opts.MaxQueueEvents <= 0 {
		opts.MaxQueueEvents = DefaultMaxQueueEvents
	}
	if opts.MaxQueueAge <= 0 {
		opts.MaxQueueAge = DefaultMaxQueueAge
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Publisher{targetURL: targetURL, opts: opts}
}

// Publish enqueues a single event.
func (p *Publisher) Publish(e event.Event) error {
	return p.PublishEvents([]event.Event{e})
}

// PublishEvents enqueues events, scheduling a flush no later than
// BufferingTime from now if one isn't already scheduled.
func (p *Publisher) PublishEvents(events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publisher: stopped")
	}

	if p.pendingSince.IsZero() {
		p.pendingSince = time.Now()
	}
	p.pending = append(p.pending, events...)
	p.enforceBoundLocked()

	if p.timer == nil {
		p.timer = time.AfterFunc(p.opts.BufferingTime, p.flush)
	}
	p.mu.Unlock()
	return nil
}

// enforceBoundLocked drops the oldest pending events once the queue
// exceeds MaxQueueEvents. Caller holds p.mu.
func (p *Publisher) enforceBoundLocked() {
	if over := len(p.pending) - p.opts.MaxQueueEvents; over > 0 {
		slog.Warn("publisher: dropping oldest events, queue over capacity",
			"target", p.targetURL, "dropped", over)
		p.pending = p.pending[over:]
	}
}

// flush is invoked by the buffering-time timer. If a send is already in
// flight, it reschedules itself rather than starting a second concurrent
// request, preserving per-target ordering.
func (p *Publisher) flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.sending {
		p.timer = time.AfterFunc(p.opts.MinBackoff, p.flush)
		p.mu.Unlock()
		return
	}
	if len(p.pending) == 0 {
		p.timer = nil
		p.mu.Unlock()
		return
	}

	batch := p.pending
	since := p.pendingSince
	p.pending = nil
	p.pendingSince = time.Time{}
	p.timer = nil
	p.sending = true
	p.mu.Unlock()

	go p.sendWithRetry(batch, since)
}

func (p *Publisher) sendWithRetry(batch []event.Event, queuedSince time.Time) {
	backoff := p.opts.MinBackoff
	for {
		if err := p.send(batch); err == nil {
			break
		} else if time.Since(queuedSince) > p.opts.MaxQueueAge {
			slog.Error("publisher: dropping batch after exceeding max queue age",
				"target", p.targetURL, "events", len(batch), "error", err)
			break
		} else {
			slog.Warn("publisher: send failed, retrying", "target", p.targetURL, "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > p.opts.MaxBackoff {
				backoff = p.opts.MaxBackoff
			}
		}
	}

	p.mu.Lock()
	p.sending = false
	if len(p.pending) > 0 && p.timer == nil {
		p.timer = time.AfterFunc(0, p.flush)
	}
	p.mu.Unlock()
}

func (p *Publisher) send(batch []event.Event) error {
	var body bytes.Buffer
	if err := wire.EncodeAll(&body, batch); err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.targetURL, &body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("target returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Stop flushes any pending events one last time (best-effort, ignoring
// failure) and rejects further publishes.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) > 0 {
		if err := p.send(batch); err != nil {
			slog.Error("publisher: final flush on stop failed", "target", p.targetURL, "error", err)
		}
	}
}
