// Package scoreindex implements the in-memory spatial+temporal index of
// recent (location, user, score) tuples described in spec.md §3/§4.C: a
// radius lookup with per-user deduplication, newest-first ordering, and
// TTL-based aging.
//
// Rather than the SQLite + R-tree virtual table the reference
// implementation used, rows are kept in a tiled hash: every insert
// computes a bounding box at the index's fixed search radius and is
// registered under every grid tile the box overlaps, so a point lookup
// only has to scan the one tile containing the query point.
package scoreindex

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fleetsignal/drivestream/geo"
)

const earthRadiusMeters = 6371000.0

// ScoredLocation is a single nearby-driver result returned by Lookup.
type ScoredLocation struct {
	Location geo.Location
	Score    int
}

type entry struct {
	id          uint64
	loc         geo.Location
	userID      string
	score       int
	insertedAt  time.Time
	topLeft     geo.Location
	bottomRight geo.Location
}

type tileKey struct{ i, j int64 }

// Options configures an Index.
type Options struct {
	// SearchRadius is the lookup radius in meters; every insert's bounding
	// box is computed at this radius.
	SearchRadius float64
	// TTL is how long a row survives before Roll removes it.
	TTL time.Duration
	// OrderedLookup, when true, scans newest-first by insertion id. When
	// false, scan order is insertion order within a tile (oldest first),
	// which is cheaper but loses the "newest wins" framing.
	OrderedLookup bool
	// AllowSameUser switches Lookup into testing mode: entries belonging
	// to the caller are not blanket-excluded, only suppressed if they were
	// inserted within the last hour.
	AllowSameUser bool
}

// Index is safe for concurrent use.
type Index struct {
	opts Options

	tileSize float64 // degrees, derived from SearchRadius

	mu      sync.RWMutex
	nextID  uint64
	entries map[uint64]*entry
	order   []uint64 // insertion order, ascending id
	buckets map[tileKey][]uint64
}

// New creates an empty Index.
func New(opts Options) *Index {
	r := opts.SearchRadius / earthRadiusMeters
	tileSize := 2 * r * 180 / math.Pi
	if tileSize <= 0 {
		tileSize = 0.01
	}
	return &Index{
		opts:     opts,
		tileSize: tileSize,
		entries:  make(map[uint64]*entry),
		buckets:  make(map[tileKey][]uint64),
	}
}

// RunRoller starts a background goroutine that calls Roll every interval
// until ctx is cancelled.
func (idx *Index) RunRoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idx.Roll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Insert adds a row and returns its monotonically increasing id.
func (idx *Index) Insert(loc geo.Location, userID string, score int) uint64 {
	topLeft, bottomRight := loc.BoundingBox(idx.opts.SearchRadius)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nextID++
	id := idx.nextID
	e := &entry{
		id:          id,
		loc:         loc,
		userID:      userID,
		score:       score,
		insertedAt:  time.Now(),
		topLeft:     topLeft,
		bottomRight: bottomRight,
	}
	idx.entries[id] = e
	idx.order = append(idx.order, id)
	for _, tk := range idx.tilesFor(topLeft, bottomRight) {
		idx.buckets[tk] = append(idx.buckets[tk], id)
	}
	return id
}

// Lookup returns every row whose bounding box contains point, excluding
// callerUserID (unless AllowSameUser is set and the row is older than an
// hour), deduplicated by user id (first-wins in scan order).
func (idx *Index) Lookup(point geo.Location, callerUserID string) []ScoredLocation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tk := idx.tileFor(point)
	ids := idx.buckets[tk]

	var scan []uint64
	if idx.opts.OrderedLookup {
		scan = make([]uint64, len(ids))
		for i, id := range ids {
			scan[len(ids)-1-i] = id
		}
	} else {
		scan = ids
	}

	sameUserCutoff := time.Now().Add(-time.Hour)
	seen := make(map[string]bool)
	if !idx.opts.AllowSameUser {
		seen[callerUserID] = true
	}

	var out []ScoredLocation
	for _, id := range scan {
		e, ok := idx.entries[id]
		if !ok {
			continue // rolled off since the bucket entry was written
		}
		if !containsPoint(e.topLeft, e.bottomRight, point) {
			continue
		}
		if idx.opts.AllowSameUser && e.userID == callerUserID && e.insertedAt.After(sameUserCutoff) {
			continue
		}
		if seen[e.userID] {
			continue
		}
		seen[e.userID] = true
		out = append(out, ScoredLocation{Location: e.loc, Score: e.score})
	}
	return out
}

// Roll deletes every row older than the index's TTL.
func (idx *Index) Roll() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := time.Now().Add(-idx.opts.TTL)
	keep := idx.order[:0:0]
	for _, id := range idx.order {
		e := idx.entries[id]
		if e.insertedAt.After(cutoff) {
			keep = append(keep, id)
		} else {
			delete(idx.entries, id)
		}
	}
	idx.order = keep

	buckets := make(map[tileKey][]uint64, len(idx.buckets))
	for _, id := range idx.order {
		e := idx.entries[id]
		for _, tk := range idx.tilesFor(e.topLeft, e.bottomRight) {
			buckets[tk] = append(buckets[tk], id)
		}
	}
	idx.buckets = buckets
}

// Len returns the current number of live rows.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) tileIndex(v float64) int64 {
	return int64(math.Floor(v / idx.tileSize))
}

func (idx *Index) tileFor(p geo.Location) tileKey {
	return tileKey{i: idx.tileIndex(p.Lat), j: idx.tileIndex(p.Long)}
}

func (idx *Index) tilesFor(topLeft, bottomRight geo.Location) []tileKey {
	iMin, iMax := idx.tileIndex(topLeft.Lat), idx.tileIndex(bottomRight.Lat)
	jMin, jMax := idx.tileIndex(topLeft.Long), idx.tileIndex(bottomRight.Long)
	var out []tileKey
	for i := iMin; i <= iMax; i++ {
		for j := jMin; j <= jMax; j++ {
			out = append(out, tileKey{i: i, j: j})
		}
	}
	return out
}

func containsPoint(topLeft, bottomRight, p geo.Location) bool {
	return topLeft.Lat <= p.Lat && p.Lat <= bottomRight.Lat &&
		topLeft.Long <= p.Long && p.Long <= bottomRight.Long
}

