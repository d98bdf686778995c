package stream

import (
	"context"
	"sync"
	"time"

	"github.com/fleetsignal/drivestream/event"
)

// Filter decides whether an event should be delivered to a subscriber.
type Filter func(event.Event) bool

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// LastSeenID is the sequence number the client last observed. Zero
	// replays everything still retained in the ring, then continues live.
	LastSeenID uint64
	// Label identifies the client across reconnects for logging; it does
	// not affect delivery.
	Label string
	// Filter, if non-nil, restricts delivery to matching events.
	Filter Filter
	// Deflate requests transport compression be negotiated by the HTTP
	// surface for this subscription.
	Deflate bool
}

// Batch is one buffering-time window's worth of delivery: either a run of
// ring entries, or a Gap marker meaning the requested LastSeenID has
// already aged out of the ring and the client must re-fetch out of band.
type Batch struct {
	Entries []Entry
	Gap     bool
}

// Subscription is a live, per-client view of a Node's publish stream.
type Subscription struct {
	node *Node
	sub  *subscriber
}

// Batches returns the channel of delivered batches. It is closed when
// Close is called or the node stops.
func (s *Subscription) Batches() <-chan Batch { return s.sub.out }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.node.unsubscribe(s.sub.id)
}

// subscriber is the node-internal bookkeeping for one subscription. Events
// matching the filter accumulate in pending until the buffering-time timer
// fires, at which point they are flushed as a single Batch onto out.
type subscriber struct {
	id            string
	label         string
	filter        Filter
	bufferingTime time.Duration

	out chan Batch

	mu      sync.Mutex
	pending []Entry
	timer   *time.Timer
	closed  bool
}

func newSubscriber(id string, opts SubscribeOptions, bufferingTime time.Duration) *subscriber {
	return &subscriber{
		id:            id,
		label:         opts.Label,
		filter:        opts.Filter,
		bufferingTime: bufferingTime,
		out:           make(chan Batch, 8),
	}
}

// deliverGap sends a one-shot gap marker immediately, bypassing buffering.
func (s *subscriber) deliverGap() {
	select {
	case s.out <- Batch{Gap: true}:
	default:
	}
}

// enqueue appends matching entries and schedules (or immediately performs)
// the next flush.
func (s *subscriber) enqueue(entries []Entry) {
	var matched []Entry
	for _, e := range entries {
		if s.filter != nil && !s.filter(e.Event) {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, matched...)

	if s.bufferingTime <= 0 {
		s.flushLocked()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.bufferingTime, s.flush)
	}
}

func (s *subscriber) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// flushLocked sends whatever is pending as one batch. Caller holds s.mu.
func (s *subscriber) flushLocked() {
	if s.closed || len(s.pending) == 0 {
		s.timer = nil
		return
	}
	batch := Batch{Entries: s.pending}
	s.pending = nil
	s.timer = nil
	select {
	case s.out <- batch:
	default:
		// Subscriber fell behind; publishers never block on a slow reader.
		// The client will catch up via gap recovery on reconnect.
	}
}

// drain flushes any pending batch and stops accepting new entries.
func (s *subscriber) drain(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.flushLocked()
	s.closed = true
	s.mu.Unlock()
	close(s.out)
}
