package stream

import (
	"sort"
	"sync"

	"github.com/fleetsignal/drivestream/event"
)

// DefaultRingCapacity is the default bound on a Ring's retained history.
const DefaultRingCapacity = 65536

// Entry pairs a published event with the sequence number the node assigned
// it. Sequence numbers are per-stream, monotonically increasing, and are
// what gap-recovery ("last_seen_id") is expressed in terms of.
type Entry struct {
	Seq   uint64
	Event event.Event
}

// Ring is a bounded, append-only history of recently delivered events for
// one stream. It is the only source consulted for gap recovery: a
// reconnecting subscriber supplies the last sequence number it saw, and the
// ring either replays everything since or reports that the point has aged
// out (a "gap").
type Ring struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry // ascending by Seq
}

// NewRing creates an empty ring bounded to capacity entries. A
// non-positive capacity uses DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{capacity: capacity}
}

// Append records e under seq, trimming the oldest entries if the ring is
// over capacity. Caller must supply strictly increasing seq values.
func (r *Ring) Append(seq uint64, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Seq: seq, Event: e})
	if over := len(r.entries) - r.capacity; over > 0 {
		trimmed := make([]Entry, len(r.entries)-over)
		copy(trimmed, r.entries[over:])
		r.entries = trimmed
	}
}

// Since returns every entry with Seq > fromSeq, plus a gap flag: true if
// fromSeq is non-zero and predates the oldest entry still retained, meaning
// some events between fromSeq and the ring's start were already evicted.
func (r *Ring) Since(fromSeq uint64) (entries []Entry, gap bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fromSeq > 0 && len(r.entries) > 0 && r.entries[0].Seq > fromSeq+1 {
		gap = true
	}

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Seq > fromSeq
	})
	if i >= len(r.entries) {
		return nil, gap
	}
	out := make([]Entry, len(r.entries)-i)
	copy(out, r.entries[i:])
	return out, gap
}

// Len returns the number of entries currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Latest returns the most recent sequence number, or 0 if the ring is empty.
func (r *Ring) Latest() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].Seq
}
