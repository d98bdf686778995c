// Package feedback implements the synchronous per-publish feedback path
// (spec.md §4.I): for a batch whose first event is a driver-app Vehicle
// Location, it answers the publish request itself with a gzip-compressed
// JSON Feedback object instead of the stream's default empty 200.
package feedback

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/geo"
)

// Status codes for a Feedback section, per spec.md §6.
const (
	StatusOK             = 1
	StatusDisabled       = 11
	StatusUsePrevious    = 21
	StatusNoData         = 22
	StatusServiceTimeout = 31
	StatusServiceError   = 32
)

const (
	driverApplicationID = "SmartDriver"
	vehicleLocationType = "Vehicle Location"

	// ShortGateMeters is the feedback handler's own movement threshold,
	// independent of the one the scores endpoint applies internally.
	ShortGateMeters = 10.0

	// ResponseDeadline bounds how long the handler waits on the outbound
	// scores and road-info requests before giving up on whichever is
	// still outstanding.
	ResponseDeadline = 5 * time.Second
)

// DriverScore is one nearby-driver score line from the scores endpoint.
type DriverScore struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Score     int     `json:"score"`
}

// ScoresSection is the "scores" sub-object of a Feedback response.
type ScoresSection struct {
	Status      int           `json:"status"`
	CloseScores []DriverScore `json:"closeScores,omitempty"`
}

// RoadInfoSection is the "roadInfo" sub-object of a Feedback response.
type RoadInfoSection struct {
	Status   int      `json:"status"`
	RoadType *string  `json:"roadType,omitempty"`
	MaxSpeed *float64 `json:"maxSpeed,omitempty"`
}

// Feedback is the full per-request response body. Recommendation is
// reserved by spec.md §3 and always serializes as an empty object.
type Feedback struct {
	Recommendation struct{}        `json:"recommendation"`
	Scores         ScoresSection   `json:"scores"`
	RoadInfo       RoadInfoSection `json:"roadInfo"`
}

// locationGate is the feedback handler's private 10m recency gate,
// distinct from the two recency buffers the scores endpoint keeps
// internally (spec.md §4.I step 4 vs §4.J).
type locationGate struct {
	mu   sync.Mutex
	last map[string]geo.Location
}

func newLocationGate() *locationGate {
	return &locationGate{last: make(map[string]geo.Location)}
}

// moved reports whether loc is at least ShortGateMeters from the stored
// location for userID. On a move (or a first call) loc becomes the new
// reference; otherwise the stored reference is kept unchanged, so small
// successive movements accumulate against the same baseline.
func (g *locationGate) moved(userID string, loc geo.Location) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.last[userID]
	if !ok || loc.Distance(prev) >= ShortGateMeters {
		g.last[userID] = loc
		return true
	}
	return false
}

// Handler implements stream.PublishInterceptor, answering driver-app
// Vehicle Location publishes with a Feedback body instead of an empty 200.
type Handler struct {
	// ScoresURL and RoadInfoURL are the upstream endpoints described in
	// spec.md §4.I/§4.J and §6.
	ScoresURL   string
	RoadInfoURL string

	// Enabled gates the whole feedback path; when false, a driver-app
	// Vehicle Location publish gets a DISABLED feedback body rather than
	// being evaluated at all.
	Enabled bool
	// RoadInfoEnabled independently gates the road-info section; the
	// scores section still runs when this is false.
	RoadInfoEnabled bool

	HTTPClient *http.Client

	gate *locationGate
}

// New creates a Handler.
func New(scoresURL, roadInfoURL string, enabled, roadInfoEnabled bool) *Handler {
	return &Handler{
		ScoresURL:       scoresURL,
		RoadInfoURL:     roadInfoURL,
		Enabled:         enabled,
		RoadInfoEnabled: roadInfoEnabled,
		HTTPClient:      http.DefaultClient,
		gate:            newLocationGate(),
	}
}

// HandlePublish implements stream.PublishInterceptor.
func (h *Handler) HandlePublish(ctx context.Context, events []event.Event) (body []byte, headers map[string]string, handled bool) {
	if len(events) == 0 {
		return nil, nil, false
	}
	first := events[0]
	if first.ApplicationID != driverApplicationID || first.EventType != vehicleLocationType {
		return nil, nil, false
	}

	fb := h.evaluate(ctx, first)

	encoded, err := json.Marshal(fb)
	if err != nil {
		slog.Error("feedback: marshaling response failed", "error", err)
		return nil, nil, false
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(encoded); err != nil {
		slog.Error("feedback: gzip compression failed", "error", err)
		return nil, nil, false
	}
	if err := zw.Close(); err != nil {
		slog.Error("feedback: gzip compression failed", "error", err)
		return nil, nil, false
	}

	return gz.Bytes(), map[string]string{
		"Content-Type":     "application/json",
		"Content-Encoding": "gzip",
	}, true
}

func (h *Handler) evaluate(ctx context.Context, first event.Event) Feedback {
	if !h.Enabled {
		return Feedback{
			Scores:   ScoresSection{Status: StatusDisabled},
			RoadInfo: RoadInfoSection{Status: StatusDisabled},
		}
	}

	loc, userID, score, ok := parseLocation(first)
	if !ok {
		return Feedback{
			Scores:   ScoresSection{Status: StatusNoData},
			RoadInfo: RoadInfoSection{Status: StatusNoData},
		}
	}

	if !h.gate.moved(userID, loc) {
		return Feedback{
			Scores:   ScoresSection{Status: StatusUsePrevious},
			RoadInfo: RoadInfoSection{Status: StatusUsePrevious},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, ResponseDeadline)
	defer cancel()

	scoresResult := h.fetchScores(ctx, userID, loc, score)

	var roadInfoResult RoadInfoSection
	if scoresResult.previous != nil && h.RoadInfoEnabled {
		roadInfoResult = h.fetchRoadInfo(ctx, loc, *scoresResult.previous)
	} else if scoresResult.previous != nil {
		roadInfoResult = RoadInfoSection{Status: StatusDisabled}
	} else {
		roadInfoResult = RoadInfoSection{Status: StatusNoData}
	}

	return Feedback{
		Scores:   scoresResult.section,
		RoadInfo: roadInfoResult,
	}
}

// parseLocation pulls user_id/latitude/longitude/score out of the first
// event's parsed body. The driver app posts Vehicle Location events as a
// JSON object with these fields.
func parseLocation(e event.Event) (loc geo.Location, userID string, score int, ok bool) {
	if e.ParsedBody == nil {
		return geo.Location{}, "", 0, false
	}
	userID, _ = e.ParsedBody["user_id"].(string)
	lat, latOK := e.ParsedBody["latitude"].(float64)
	long, longOK := e.ParsedBody["longitude"].(float64)
	scoreF, scoreOK := e.ParsedBody["score"].(float64)
	if userID == "" || !latOK || !longOK {
		return geo.Location{}, "", 0, false
	}
	if scoreOK {
		score = int(scoreF)
	}
	return geo.Location{Lat: lat, Long: long}, userID, score, true
}

type scoresOutcome struct {
	section  ScoresSection
	previous *geo.Location
}

func (h *Handler) fetchScores(ctx context.Context, userID string, loc geo.Location, score int) scoresOutcome {
	q := url.Values{
		"user":      {userID},
		"latitude":  {strconv.FormatFloat(loc.Lat, 'g', -1, 64)},
		"longitude": {strconv.FormatFloat(loc.Long, 'g', -1, 64)},
		"score":     {strconv.Itoa(score)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ScoresURL+"?"+q.Encode(), nil)
	if err != nil {
		return scoresOutcome{section: ScoresSection{Status: StatusServiceError}}
	}

	resp, err := h.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return scoresOutcome{section: ScoresSection{Status: StatusServiceTimeout}}
		}
		return scoresOutcome{section: ScoresSection{Status: StatusServiceError}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scoresOutcome{section: ScoresSection{Status: StatusServiceError}}
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return scoresOutcome{section: ScoresSection{Status: StatusServiceError}}
	}

	return parseScoresResponse(buf.String())
}

// parseScoresResponse interprets the marker-prefixed plain-text body
// spec.md §4.J describes: "#*" (no movement), "#i<prev>" (road-info only),
// or "#+<prev>" followed by up to 10 "lat,long,score" lines.
func parseScoresResponse(body string) scoresOutcome {
	lines := splitCRLF(body)
	if len(lines) == 0 {
		return scoresOutcome{section: ScoresSection{Status: StatusNoData}}
	}

	marker := lines[0]
	switch {
	case marker == "#*":
		return scoresOutcome{section: ScoresSection{Status: StatusUsePrevious}}
	case len(marker) >= 2 && marker[:2] == "#i":
		// Road-info only: the location didn't move enough for a new score,
		// but the previous location is still usable for the road-info query.
		prev, err := geo.Parse(marker[2:])
		if err != nil {
			return scoresOutcome{section: ScoresSection{Status: StatusNoData}}
		}
		return scoresOutcome{section: ScoresSection{Status: StatusUsePrevious}, previous: &prev}
	case len(marker) >= 2 && marker[:2] == "#+":
		prev, err := geo.Parse(marker[2:])
		if err != nil {
			return scoresOutcome{section: ScoresSection{Status: StatusNoData}}
		}
		scores := make([]DriverScore, 0, len(lines)-1)
		for _, line := range lines[1:] {
			if line == "" {
				continue
			}
			ds, err := parseScoreLine(line)
			if err != nil {
				continue
			}
			scores = append(scores, ds)
		}
		return scoresOutcome{
			section:  ScoresSection{Status: StatusOK, CloseScores: scores},
			previous: &prev,
		}
	default:
		return scoresOutcome{section: ScoresSection{Status: StatusNoData}}
	}
}

func parseScoreLine(line string) (DriverScore, error) {
	loc, scoreText, err := splitLastComma(line)
	if err != nil {
		return DriverScore{}, err
	}
	score, err := strconv.Atoi(scoreText)
	if err != nil {
		return DriverScore{}, err
	}
	parsed, err := geo.Parse(loc)
	if err != nil {
		return DriverScore{}, err
	}
	return DriverScore{Latitude: parsed.Lat, Longitude: parsed.Long, Score: score}, nil
}

func splitLastComma(s string) (head, tail string, err error) {
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ',' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", fmt.Errorf("feedback: malformed score line %q", s)
	}
	return s[:idx], s[idx+1:], nil
}

func splitCRLF(s string) []string {
	var out []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' {
			out = append(out, s[start:i])
			start = i + 2
			i++
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (h *Handler) fetchRoadInfo(ctx context.Context, current, previous geo.Location) RoadInfoSection {
	q := url.Values{
		"currentLat":   {strconv.FormatFloat(current.Lat, 'g', -1, 64)},
		"currentLong":  {strconv.FormatFloat(current.Long, 'g', -1, 64)},
		"previousLat":  {strconv.FormatFloat(previous.Lat, 'g', -1, 64)},
		"previousLong": {strconv.FormatFloat(previous.Long, 'g', -1, 64)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.RoadInfoURL+"?"+q.Encode(), nil)
	if err != nil {
		return RoadInfoSection{Status: StatusServiceError}
	}

	resp, err := h.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return RoadInfoSection{Status: StatusServiceTimeout}
		}
		return RoadInfoSection{Status: StatusServiceError}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RoadInfoSection{Status: StatusServiceError}
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return RoadInfoSection{Status: StatusServiceError}
	}
	if buf.Len() == 0 {
		return RoadInfoSection{Status: StatusNoData}
	}

	var payload struct {
		LinkType string  `json:"linkType"`
		MaxSpeed float64 `json:"maxSpeed"`
	}
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		return RoadInfoSection{Status: StatusNoData}
	}

	roadType := payload.LinkType
	maxSpeed := payload.MaxSpeed
	return RoadInfoSection{Status: StatusOK, RoadType: &roadType, MaxSpeed: &maxSpeed}
}

func (h *Handler) client() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return http.DefaultClient
}
