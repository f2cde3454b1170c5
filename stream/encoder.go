package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hupe1980/ragmesh/logging"
)

// MaxMessageSize bounds one encoded event (256 KiB).
const MaxMessageSize = 256 * 1024

// Encoder writes events to a stream.
type Encoder interface {
	Encode(ev Event) error
}

// NDJSONEncoder writes one JSON object per line and flushes after each.
type NDJSONEncoder struct {
	writer  *bufio.Writer
	flusher http.Flusher
	logger  logging.Logger
}

// NewNDJSONEncoder creates an NDJSON encoder. When w is an
// http.ResponseWriter the response is flushed per event as well.
func NewNDJSONEncoder(w io.Writer, logger logging.Logger) *NDJSONEncoder {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	f, _ := w.(http.Flusher)
	return &NDJSONEncoder{writer: bufio.NewWriter(w), flusher: f, logger: logger}
}

// Encode implements Encoder.
func (e *NDJSONEncoder) Encode(ev Event) error {
	data, err := marshal(ev, e.logger)
	if err != nil {
		return err
	}
	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return flush(e.writer, e.flusher)
}

// SSEEncoder frames events as server-sent events ("data: {json}\n\n").
type SSEEncoder struct {
	writer  *bufio.Writer
	flusher http.Flusher
	logger  logging.Logger
}

// NewSSEEncoder creates an SSE encoder.
func NewSSEEncoder(w io.Writer, logger logging.Logger) *SSEEncoder {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	f, _ := w.(http.Flusher)
	return &SSEEncoder{writer: bufio.NewWriter(w), flusher: f, logger: logger}
}

// Encode implements Encoder.
func (e *SSEEncoder) Encode(ev Event) error {
	data, err := marshal(ev, e.logger)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return flush(e.writer, e.flusher)
}

// SetSSEHeaders sets the response headers of an event stream.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func marshal(ev Event, logger logging.Logger) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(data) > MaxMessageSize {
		logger.Error("event exceeds size limit", "type", string(ev.Type), "size", len(data), "limit", MaxMessageSize)
		return nil, fmt.Errorf("event size %d exceeds limit %d", len(data), MaxMessageSize)
	}
	return data, nil
}

func flush(w *bufio.Writer, f http.Flusher) error {
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	if f != nil {
		f.Flush()
	}
	return nil
}

// Decoder reads NDJSON encoded events.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder creates a decoder enforcing MaxMessageSize per line.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &Decoder{scanner: s}
}

// Decode reads the next event; io.EOF at the end of input.
func (d *Decoder) Decode() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal line %d: %w", d.line, err)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("scanner error at line %d: %w", d.line, err)
	}
	return Event{}, io.EOF
}

// Copy encodes every event from events until the channel closes, the
// encoder fails, or a terminal event was written.
func Copy(enc Encoder, events <-chan Event) error {
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
	return nil
}
