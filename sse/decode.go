package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const (
	decoderInitialBuffer = 64 * 1024
	decoderMaxBuffer     = 1024 * 1024
)

// Decoder reads SSE records from a stream one event at a time. It is a
// stateful line accumulator: fields collect until a blank line dispatches
// them as one event. The last event id persists across records; event, data,
// and retry reset after each dispatch. Decoders are not safe for concurrent
// use.
type Decoder struct {
	scanner *bufio.Scanner

	eventName   string
	dataLines   []string
	retry       int
	sawField    bool
	lastEventID string
}

// NewDecoder creates a decoder reading from r. Input lines may be terminated
// by \r\n, \r, or \n in any mix.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, decoderInitialBuffer), decoderMaxBuffer)
	scanner.Split(scanEventLines)
	return &Decoder{scanner: scanner}
}

// Next returns the next event in the stream, or io.EOF once the stream ends.
// A record still accumulating when the stream closes is discarded.
func (d *Decoder) Next() (*Event, error) {
	for d.scanner.Scan() {
		if ev := d.processLine(d.scanner.Text()); ev != nil {
			return ev, nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// LastEventID returns the most recent id accepted from the stream.
func (d *Decoder) LastEventID() string {
	return d.lastEventID
}

// processLine feeds one line into the accumulator and returns a dispatched
// event on a blank line, nil otherwise.
func (d *Decoder) processLine(line string) *Event {
	if line == "" {
		return d.dispatch()
	}

	// Comment lines produce no event and touch no state.
	if strings.HasPrefix(line, ":") {
		return nil
	}

	name := line
	value := ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		name = line[:idx]
		// A single space after the colon is part of the framing.
		value = strings.TrimPrefix(line[idx+1:], " ")
	}

	switch name {
	case "event":
		d.eventName = value
		d.sawField = true
	case "data":
		d.dataLines = append(d.dataLines, value)
		d.sawField = true
	case "id":
		// Ids carrying a NUL are discarded entirely.
		if !strings.ContainsRune(value, 0) {
			d.lastEventID = value
			d.sawField = true
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			d.retry = n
			d.sawField = true
		}
	default:
		// Unknown fields are ignored.
	}

	return nil
}

// dispatch produces the accumulated event, or nil for an empty record.
func (d *Decoder) dispatch() *Event {
	if !d.sawField {
		return nil
	}

	ev := &Event{
		Event: d.eventName,
		Data:  strings.Join(d.dataLines, "\n"),
		ID:    d.lastEventID,
		Retry: d.retry,
	}
	if ev.Event == "" {
		ev.Event = "message"
	}

	d.eventName = ""
	d.dataLines = nil
	d.retry = 0
	d.sawField = false

	return ev
}

// scanEventLines is a bufio.SplitFunc tokenizing on \r\n, \r, or \n.
func scanEventLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			// Need one more byte to tell \r from \r\n.
			return 0, nil, nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
