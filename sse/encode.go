package sse

import (
	"bytes"
	"io"
	"strconv"
)

// Encoder writes events in the SSE wire format using a fixed record
// separator. Encoders are stateless and safe for concurrent use.
type Encoder struct {
	separator string
}

// NewEncoder creates an encoder for the given separator. An empty separator
// selects the default \r\n.
func NewEncoder(separator string) (*Encoder, error) {
	if separator == "" {
		separator = SeparatorCRLF
	}
	if !ValidSeparator(separator) {
		return nil, ErrInvalidSeparator
	}
	return &Encoder{separator: separator}, nil
}

// Separator returns the record separator the encoder writes with.
func (e *Encoder) Separator() string {
	return e.separator
}

// Encode renders one event record, including the trailing blank line.
// Comment text is split into one comment line per fragment, id and event
// have embedded terminators stripped, and data is split into one data line
// per fragment. A negative retry fails with ErrInvalidRetry.
func (e *Encoder) Encode(ev Event) ([]byte, error) {
	if ev.Retry < 0 {
		return nil, ErrInvalidRetry
	}

	var buf bytes.Buffer
	if ev.Comment != "" {
		for _, line := range splitLines(ev.Comment) {
			buf.WriteString(": ")
			buf.WriteString(line)
			buf.WriteString(e.separator)
		}
	}
	if ev.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(stripTerminators(ev.ID))
		buf.WriteString(e.separator)
	}
	if ev.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(stripTerminators(ev.Event))
		buf.WriteString(e.separator)
	}
	if ev.Data != "" {
		for _, line := range splitLines(ev.Data) {
			buf.WriteString("data: ")
			buf.WriteString(line)
			buf.WriteString(e.separator)
		}
	}
	if ev.Retry > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.Itoa(ev.Retry))
		buf.WriteString(e.separator)
	}

	// Blank line terminates the record.
	buf.WriteString(e.separator)

	return buf.Bytes(), nil
}

// WriteEvent encodes one event and writes it to w.
func (e *Encoder) WriteEvent(w io.Writer, ev Event) error {
	data, err := e.Encode(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
