// Package event defines the canonical event record exchanged between
// stream nodes, subscribers, and publishers.
package event

import "time"

// DerivedFromHeader is the extra header key set on an event that was
// produced from an upstream event, pointing back to the source event id.
const DerivedFromHeader = "X-Derived-From"

// Event is an immutable telemetry record. Zero-value fields are valid:
// EventType may be empty, AggregatorIDs and ExtraHeaders may be nil, and
// Body may be nil opaque bytes or a parsed map depending on a stream's
// parse policy.
type Event struct {
	EventID       string            `json:"event_id"`
	SourceID      string            `json:"source_id"`
	Timestamp     time.Time         `json:"timestamp"`
	ApplicationID string            `json:"application_id"`
	EventType     string            `json:"event_type,omitempty"`
	AggregatorIDs []string          `json:"aggregator_id,omitempty"`
	Body          []byte            `json:"-"`
	ParsedBody    map[string]any    `json:"-"`
	ExtraHeaders  map[string]string `json:"extra_headers,omitempty"`
}

// Clone returns a deep-enough copy of e: slices and maps are copied so the
// result can be mutated (e.g. to add a header) without affecting e.
func (e Event) Clone() Event {
	out := e
	if e.AggregatorIDs != nil {
		out.AggregatorIDs = append([]string(nil), e.AggregatorIDs...)
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	if e.ExtraHeaders != nil {
		out.ExtraHeaders = make(map[string]string, len(e.ExtraHeaders))
		for k, v := range e.ExtraHeaders {
			out.ExtraHeaders[k] = v
		}
	}
	return out
}

// DeriveFrom builds a new event that copies identity fields (source,
// application, aggregator chain) from src, stamps a fresh id and
// timestamp, and records src's event id in the X-Derived-From header so
// downstream consumers can trace provenance.
func DeriveFrom(src Event, eventType string, body []byte) Event {
	derived := Event{
		EventID:       NewID(),
		SourceID:      src.SourceID,
		Timestamp:     time.Now(),
		ApplicationID: src.ApplicationID,
		EventType:     eventType,
		AggregatorIDs: append([]string(nil), src.AggregatorIDs...),
		Body:          body,
	}
	derived.ExtraHeaders = map[string]string{DerivedFromHeader: src.EventID}
	for k, v := range src.ExtraHeaders {
		if k == DerivedFromHeader {
			continue
		}
		derived.ExtraHeaders[k] = v
	}
	return derived
}

// WithAggregator returns a copy of e with nodeID appended to the
// aggregator chain, recording that the event passed through a relay node.
func (e Event) WithAggregator(nodeID string) Event {
	out := e.Clone()
	out.AggregatorIDs = append(out.AggregatorIDs, nodeID)
	return out
}
