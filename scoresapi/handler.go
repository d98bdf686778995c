// Package scoresapi implements the scores REST endpoint (spec.md §4.J): a
// plain-text, CRLF-terminated response driven by two recency gates (a
// short 10m movement threshold and a longer 300m one) backed by the score
// index.
package scoresapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fleetsignal/drivestream/geo"
	"github.com/fleetsignal/drivestream/recency"
	"github.com/fleetsignal/drivestream/scoreindex"
)

const (
	// ShortGateMeters is the movement threshold below which scoring is
	// skipped entirely ("#*").
	ShortGateMeters = 10.0
	// LongGateMeters is the movement threshold below which scoring is
	// skipped but road-info remains relevant ("#i<prev>").
	LongGateMeters = 300.0
	// MaxScoreLines bounds how many nearby-score lines a response carries.
	MaxScoreLines = 10
)

// IndexMirror is implemented by an optional shared-index publisher (see
// scoreindex/redisbacked) that mirrors local inserts so sibling
// streamnode processes can see them.
type IndexMirror interface {
	Publish(ctx context.Context, loc geo.Location, userID string, score int) error
}

// Handler serves GET /driver_scores and GET /dump_index.
type Handler struct {
	Index *scoreindex.Index
	Short *recency.Buffer[geo.Location]
	Long  *recency.Buffer[geo.Location]

	// Mirror, if non-nil, is called after every local insert. A mirror
	// failure is logged and never fails or delays the response.
	Mirror IndexMirror
}

// New creates a Handler. short and long should have independent roll
// cadences per spec.md §3 (commonly 30-60s).
func New(index *scoreindex.Index, short, long *recency.Buffer[geo.Location]) *Handler {
	return &Handler{Index: index, Short: short, Long: long}
}

// Register mounts the handler's routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /driver_scores", h.serveDriverScores)
	mux.HandleFunc("GET /dump_index", h.serveDumpIndex)
}

func (h *Handler) serveDriverScores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user")
	latRaw, longRaw, scoreRaw := q.Get("latitude"), q.Get("longitude"), q.Get("score")

	if userID == "" || latRaw == "" || longRaw == "" || scoreRaw == "" {
		http.Error(w, "missing required argument", http.StatusUnprocessableEntity)
		return
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		http.Error(w, "bad latitude", http.StatusUnprocessableEntity)
		return
	}
	long, err := strconv.ParseFloat(longRaw, 64)
	if err != nil {
		http.Error(w, "bad longitude", http.StatusUnprocessableEntity)
		return
	}
	score, err := strconv.Atoi(scoreRaw)
	if err != nil {
		http.Error(w, "bad score", http.StatusUnprocessableEntity)
		return
	}

	loc := geo.Location{Lat: lat, Long: long}
	body := h.evaluate(userID, loc, score)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// evaluate runs the two-stage recency gate and, only when full scoring
// fires (the "#+" path), looks up and inserts into the score index. It is
// split out from serveDriverScores so it can be unit tested without an
// HTTP round trip.
//
// Each buffer's stored location is the reference its own gate last
// measured movement against: a gate that fails leaves its reference in
// place (refreshed, so it survives the next roll) so small successive
// movements keep accumulating against the same baseline; a gate that
// passes replaces the reference with the current location.
func (h *Handler) evaluate(userID string, loc geo.Location, score int) string {
	prevShort, hadPrevShort := h.Short.Get(userID)
	prevLong, hadPrevLong := h.Long.Get(userID)

	if hadPrevShort && loc.Distance(prevShort) < ShortGateMeters {
		h.Short.Refresh(userID)
		h.Long.Refresh(userID)
		return "#*\r\n"
	}
	h.Short.Set(userID, loc)

	if hadPrevLong && loc.Distance(prevLong) < LongGateMeters {
		h.Long.Refresh(userID)
		return fmt.Sprintf("#i%s\r\n", prevLong.String())
	}
	h.Long.Set(userID, loc)

	h.Index.Insert(loc, userID, score)
	if h.Mirror != nil {
		if err := h.Mirror.Publish(context.Background(), loc, userID, score); err != nil {
			slog.Error("scoresapi: mirroring insert failed", "error", err)
		}
	}

	prevForHeader := prevShort
	if !hadPrevShort {
		prevForHeader = loc
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#+%s\r\n", prevForHeader.String())

	nearby := h.Index.Lookup(loc, userID)
	if len(nearby) > MaxScoreLines {
		nearby = nearby[:MaxScoreLines]
	}
	for _, n := range nearby {
		fmt.Fprintf(&b, "%s,%d\r\n", n.Location.String(), n.Score)
	}
	return b.String()
}

func (h *Handler) serveDumpIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "score index: %d live entries\n", h.Index.Len())
}
