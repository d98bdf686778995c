// Package stream implements the append-only publish/subscribe stream node
// (spec.md §4.E): a bounded recent-events ring for gap recovery,
// buffering-time micro-batched subscriber dispatch, an optional
// persistence hook, and taps for in-process consumers (type relays, the
// stats and arrival trackers).
package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetsignal/drivestream/event"
)

// ErrStopped is returned by Publish once the node has been stopped.
var ErrStopped = errors.New("stream: node stopped")

// PersistHook is implemented by anything that durably records published
// events (see the persist package). A hook failure is logged by the
// caller and never blocks or fails delivery.
type PersistHook interface {
	Append(events []event.Event) error
}

// Options configures a Node.
type Options struct {
	// BufferingTime bounds how long an event may wait before a subscriber
	// flush. Zero disables batching: every publish flushes immediately.
	BufferingTime time.Duration
	// RingCapacity bounds the recent-events ring. Zero uses
	// DefaultRingCapacity.
	RingCapacity int
	// AllowPublish false makes the HTTP publish route reject requests
	// with 503. It is enforced only at the HTTP surface (see
	// stream/http.go): in-process callers can still call Publish on a
	// read-only stream, matching EventTypeRelays' allow_publish=false.
	AllowPublish bool
	// Persist, if non-nil, is invoked with every published batch.
	Persist PersistHook
}

// Node is a single named stream. Safe for concurrent use.
type Node struct {
	path string
	opts Options
	ring *Ring

	mu          sync.RWMutex
	seq         uint64
	subscribers map[string]*subscriber
	taps        map[int]func([]event.Event)
	nextTapID   int
	stopped     bool
}

// New creates a Node at path.
func New(path string, opts Options) *Node {
	return &Node{
		path:        path,
		opts:        opts,
		ring:        NewRing(opts.RingCapacity),
		subscribers: make(map[string]*subscriber),
		taps:        make(map[int]func([]event.Event)),
	}
}

// Path returns the stream's identifying path.
func (n *Node) Path() string { return n.path }

// AllowsPublish reports whether external callers may publish (vs. a
// read-only sub-stream fed only by an internal tap).
func (n *Node) AllowsPublish() bool { return n.opts.AllowPublish }

// Publish assigns sequence numbers, appends to the ring, dispatches to
// every subscriber, persists if configured, and notifies taps — in that
// order, so taps always observe events already durable and in the ring.
func (n *Node) Publish(events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}

	entries := make([]Entry, len(events))
	for i, e := range events {
		n.seq++
		entries[i] = Entry{Seq: n.seq, Event: e}
		n.ring.Append(n.seq, e)
	}
	for _, sub := range n.subscribers {
		sub.enqueue(entries)
	}
	taps := make([]func([]event.Event), 0, len(n.taps))
	for _, tap := range n.taps {
		taps = append(taps, tap)
	}
	n.mu.Unlock()

	if n.opts.Persist != nil {
		if err := n.opts.Persist.Append(events); err != nil {
			// A persistence write failure is logged and never affects
			// delivery to subscribers.
			slog.Error("stream: persist append failed", "path", n.path, "error", err)
		}
	}

	for _, tap := range taps {
		tap(events)
	}
	return nil
}

// Seed populates the ring from previously persisted events at startup
// (see persist.Preload), the way
// original_source/semserver/collector.py's
// preload_recent_events_buffer_from_file refills its in-memory buffer
// before serving any traffic. Unlike Publish, Seed never re-invokes
// Persist (the events are already durable) and never dispatches to
// subscribers or taps, since none exist yet at startup. Call it before
// the node starts serving requests.
func (n *Node) Seed(events []event.Event) {
	if len(events) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range events {
		n.seq++
		n.ring.Append(n.seq, e)
	}
}

// Subscribe registers a new subscription. If opts.LastSeenID predates the
// ring's retained history, the first batch delivered is a gap marker
// instead of a replay.
func (n *Node) Subscribe(opts SubscribeOptions) *Subscription {
	id := event.NewID()
	sub := newSubscriber(id, opts, n.opts.BufferingTime)

	// The backlog snapshot must be taken under the same lock as the
	// subscribers-map insertion: otherwise a Publish between the two
	// could both dispatch live to this subscriber and land in the
	// backlog, delivering it twice.
	n.mu.Lock()
	n.subscribers[id] = sub
	backlog, gap := n.ring.Since(opts.LastSeenID)
	n.mu.Unlock()

	if gap {
		sub.deliverGap()
	} else if len(backlog) > 0 {
		sub.enqueue(backlog)
	}

	return &Subscription{node: n, sub: sub}
}

func (n *Node) unsubscribe(id string) {
	n.mu.Lock()
	sub, ok := n.subscribers[id]
	if ok {
		delete(n.subscribers, id)
	}
	n.mu.Unlock()
	if ok {
		sub.drain(nil)
	}
}

// Tap registers an in-process observer called with every published batch,
// after it is in the ring and persisted. Returns a function to unregister.
func (n *Node) Tap(fn func([]event.Event)) func() {
	n.mu.Lock()
	id := n.nextTapID
	n.nextTapID++
	n.taps[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.taps, id)
		n.mu.Unlock()
	}
}

// Stop drains every subscriber's pending buffer, notifies them, and
// rejects further publishes.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	subs := make([]*subscriber, 0, len(n.subscribers))
	for _, s := range n.subscribers {
		subs = append(subs, s)
	}
	n.subscribers = make(map[string]*subscriber)
	n.mu.Unlock()

	for _, s := range subs {
		s.drain(nil)
	}
}

// Latest returns the most recently assigned sequence number.
func (n *Node) Latest() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.seq
}
