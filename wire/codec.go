// Package wire implements the framed event wire format described in
// spec.md §6: a colon-separated header block (MIME-header style),
// a blank line, and a Content-Length-delimited body, repeated for every
// event in the stream. The format is opaque to the rest of the system —
// bodies are carried as raw bytes unless a stream is configured to parse
// them.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/fleetsignal/drivestream/event"
)

// StreamSeqHeader carries the stream node's per-event sequence number in
// ExtraHeaders when a frame is written by the stream HTTP surface. It lets
// a relay client resume with an exact last_seen_id after a reconnect,
// without the sequence concept leaking into the core Event type.
const StreamSeqHeader = "X-Stream-Seq"

const (
	headerEventID       = "Event-Id"
	headerSourceID      = "Source-Id"
	headerTimestamp     = "Timestamp"
	headerApplicationID = "Application-Id"
	headerEventType     = "Event-Type"
	headerAggregatorIDs = "Aggregator-Ids"
	headerDerivedFrom   = event.DerivedFromHeader
	headerContentLength = "Content-Length"
)

// ErrMalformedEvent is returned by Decode when a frame's header block is
// missing a required field or its Content-Length cannot be parsed.
var ErrMalformedEvent = errors.New("wire: malformed event frame")

// Encode writes e as one frame: header block, blank line, body.
func Encode(w io.Writer, e event.Event) error {
	bw := bufio.NewWriter(w)

	writeHeader(bw, headerEventID, e.EventID)
	writeHeader(bw, headerSourceID, e.SourceID)
	writeHeader(bw, headerTimestamp, e.Timestamp.Format(time.RFC3339Nano))
	writeHeader(bw, headerApplicationID, e.ApplicationID)
	if e.EventType != "" {
		writeHeader(bw, headerEventType, e.EventType)
	}
	if len(e.AggregatorIDs) > 0 {
		writeHeader(bw, headerAggregatorIDs, strings.Join(e.AggregatorIDs, ","))
	}
	if df, ok := e.ExtraHeaders[headerDerivedFrom]; ok {
		writeHeader(bw, headerDerivedFrom, df)
	}
	for k, v := range e.ExtraHeaders {
		if k == headerDerivedFrom {
			continue
		}
		writeHeader(bw, k, v)
	}
	writeHeader(bw, headerContentLength, strconv.Itoa(len(e.Body)))
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(e.Body); err != nil {
		return err
	}
	return bw.Flush()
}

// EncodeAll writes every event in events as consecutive frames.
func EncodeAll(w io.Writer, events []event.Event) error {
	for _, e := range events {
		if err := Encode(w, e); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(bw *bufio.Writer, key, value string) {
	bw.WriteString(key)
	bw.WriteString(": ")
	bw.WriteString(value)
	bw.WriteString("\r\n")
}

// Decoder reads consecutive frames off an underlying stream.
type Decoder struct {
	tp *textproto.Reader
}

// NewDecoder wraps r for frame-by-frame reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{tp: textproto.NewReader(bufio.NewReader(r))}
}

// Decode reads the next frame. It returns io.EOF when the underlying
// reader is exhausted between frames (not mid-frame).
func (d *Decoder) Decode() (event.Event, error) {
	header, err := d.tp.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) && len(header) == 0 {
			return event.Event{}, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return event.Event{}, fmt.Errorf("wire: reading header: %w", err)
		}
	}
	if len(header) == 0 {
		return event.Event{}, io.EOF
	}

	e := event.Event{
		EventID:       header.Get(headerEventID),
		SourceID:      header.Get(headerSourceID),
		ApplicationID: header.Get(headerApplicationID),
		EventType:     header.Get(headerEventType),
	}
	if e.EventID == "" || e.SourceID == "" {
		return event.Event{}, ErrMalformedEvent
	}

	ts := header.Get(headerTimestamp)
	if ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return event.Event{}, fmt.Errorf("%w: bad timestamp: %v", ErrMalformedEvent, err)
		}
		e.Timestamp = parsed
	}

	if ids := header.Get(headerAggregatorIDs); ids != "" {
		e.AggregatorIDs = strings.Split(ids, ",")
	}

	for k, vs := range header {
		switch textproto.CanonicalMIMEHeaderKey(k) {
		case headerEventID, headerSourceID, headerTimestamp, headerApplicationID,
			headerEventType, headerAggregatorIDs, headerContentLength:
			continue
		default:
			if e.ExtraHeaders == nil {
				e.ExtraHeaders = make(map[string]string)
			}
			if len(vs) > 0 {
				e.ExtraHeaders[k] = vs[0]
			}
		}
	}

	clRaw := header.Get(headerContentLength)
	if clRaw == "" {
		return event.Event{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, headerContentLength)
	}
	n, err := strconv.Atoi(clRaw)
	if err != nil || n < 0 {
		return event.Event{}, fmt.Errorf("%w: bad %s", ErrMalformedEvent, headerContentLength)
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(d.tp.R, body); err != nil {
			return event.Event{}, fmt.Errorf("wire: reading body: %w", err)
		}
	}
	e.Body = body

	return e, nil
}

// DecodeAll reads frames until EOF.
func DecodeAll(r io.Reader) ([]event.Event, error) {
	d := NewDecoder(r)
	var out []event.Event
	for {
		e, err := d.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
