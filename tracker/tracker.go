// Package tracker implements the optional per-event arrival-time logger
// (spec.md component L): for latency studies, it appends one CSV row per
// observed event recording when it arrived relative to its own timestamp.
package tracker

import (
	"encoding/csv"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fleetsignal/drivestream/event"
)

// Tracker appends arrival records to an underlying writer. It is meant to
// be wired as a stream.Node tap, not used as a primary data path, so a
// write failure is logged and otherwise ignored.
type Tracker struct {
	mu sync.Mutex
	w  *csv.Writer
}

// New creates a Tracker writing to w (typically an opened *os.File). It
// writes a header row immediately.
func New(w io.Writer) *Tracker {
	t := &Tracker{w: csv.NewWriter(w)}
	t.writeRow([]string{"event_id", "source_id", "event_timestamp", "arrival_timestamp", "latency_ms"})
	return t
}

// Observe records one arrival row per event in events. Intended for use as
// a stream.Node.Tap callback.
func (t *Tracker) Observe(events []event.Event) {
	now := time.Now()
	for _, e := range events {
		latencyMS := now.Sub(e.Timestamp).Seconds() * 1000
		t.writeRow([]string{
			e.EventID,
			e.SourceID,
			e.Timestamp.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			strconv.FormatFloat(latencyMS, 'f', 3, 64),
		})
	}
}

func (t *Tracker) writeRow(row []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Write(row); err != nil {
		slog.Error("tracker: writing arrival row failed", "error", err)
		return
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		slog.Error("tracker: flushing arrival rows failed", "error", err)
	}
}
