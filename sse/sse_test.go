package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func decodeAll(t *testing.T, input string) []*Event {
	t.Helper()

	dec := NewDecoder(strings.NewReader(input))
	var events []*Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		events = append(events, ev)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  Event
	}{
		{
			name:  "data only",
			event: Event{Data: `{"text":"hi"}`},
			want:  Event{Event: "message", Data: `{"text":"hi"}`},
		},
		{
			name:  "named event",
			event: Event{Event: "text", Data: `{"text":"hi"}`},
			want:  Event{Event: "text", Data: `{"text":"hi"}`},
		},
		{
			name:  "with id and retry",
			event: Event{Event: "done", Data: "{}", ID: "42", Retry: 3000},
			want:  Event{Event: "done", Data: "{}", ID: "42", Retry: 3000},
		},
		{
			name:  "multiline data",
			event: Event{Event: "text", Data: "line one\nline two"},
			want:  Event{Event: "text", Data: "line one\nline two"},
		},
	}

	for _, sep := range []string{SeparatorCRLF, SeparatorCR, SeparatorLF} {
		enc, err := NewEncoder(sep)
		if err != nil {
			t.Fatalf("NewEncoder(%q) failed: %v", sep, err)
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				encoded, err := enc.Encode(tt.event)
				if err != nil {
					t.Fatalf("encode failed: %v", err)
				}

				events := decodeAll(t, string(encoded))
				if len(events) != 1 {
					t.Fatalf("expected 1 event, got %d", len(events))
				}
				if *events[0] != tt.want {
					t.Errorf("round trip mismatch: got %+v, want %+v", *events[0], tt.want)
				}
			})
		}
	}
}

func TestEncodeStripsTerminators(t *testing.T) {
	enc, err := NewEncoder(SeparatorLF)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	encoded, err := enc.Encode(Event{Event: "te\r\nxt", ID: "a\rb\nc", Data: "x"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for _, line := range strings.Split(strings.TrimRight(string(encoded), "\n"), "\n") {
		if strings.ContainsAny(line, "\r") {
			t.Errorf("encoded line %q contains a stray terminator", line)
		}
	}

	if !strings.Contains(string(encoded), "event: text\n") {
		t.Errorf("event name not stripped: %q", encoded)
	}
	if !strings.Contains(string(encoded), "id: abc\n") {
		t.Errorf("id not stripped: %q", encoded)
	}
}

func TestEncodeComment(t *testing.T) {
	enc, _ := NewEncoder(SeparatorCRLF)

	encoded, err := enc.Encode(Event{Comment: "ping - 2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(encoded) != ": ping - 2024-01-01T00:00:00Z\r\n\r\n" {
		t.Errorf("unexpected comment encoding: %q", encoded)
	}

	// Comment-only records are framing noise, never events.
	if events := decodeAll(t, string(encoded)); len(events) != 0 {
		t.Errorf("comment record decoded to %d events, want 0", len(events))
	}
}

func TestEncodeInvalidRetry(t *testing.T) {
	enc, _ := NewEncoder(SeparatorCRLF)

	if _, err := enc.Encode(Event{Data: "x", Retry: -1}); !errors.Is(err, ErrInvalidRetry) {
		t.Errorf("expected ErrInvalidRetry, got %v", err)
	}
}

func TestNewEncoderInvalidSeparator(t *testing.T) {
	if _, err := NewEncoder("\t"); !errors.Is(err, ErrInvalidSeparator) {
		t.Errorf("expected ErrInvalidSeparator, got %v", err)
	}

	enc, err := NewEncoder("")
	if err != nil {
		t.Fatalf("empty separator should select the default: %v", err)
	}
	if enc.Separator() != SeparatorCRLF {
		t.Errorf("default separator is %q, want \\r\\n", enc.Separator())
	}
}

func TestDecoderLineEndings(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"lf", "event: text\ndata: hi\n\n"},
		{"crlf", "event: text\r\ndata: hi\r\n\r\n"},
		{"cr", "event: text\rdata: hi\r\r"},
		{"mixed", "event: text\r\ndata: hi\n\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := decodeAll(t, tt.input)
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if events[0].Event != "text" || events[0].Data != "hi" {
				t.Errorf("got %+v", *events[0])
			}
		})
	}
}

func TestDecoderFieldParsing(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		events int
		check  func(t *testing.T, events []*Event)
	}{
		{
			name:   "no space after colon",
			input:  "data:hi\n\n",
			events: 1,
			check: func(t *testing.T, events []*Event) {
				if events[0].Data != "hi" {
					t.Errorf("data = %q", events[0].Data)
				}
			},
		},
		{
			name:   "only first space stripped",
			input:  "data:  hi\n\n",
			events: 1,
			check: func(t *testing.T, events []*Event) {
				if events[0].Data != " hi" {
					t.Errorf("data = %q", events[0].Data)
				}
			},
		},
		{
			name:   "field without colon has empty value",
			input:  "data\n\n",
			events: 1,
			check: func(t *testing.T, events []*Event) {
				if events[0].Data != "" || events[0].Event != "message" {
					t.Errorf("got %+v", *events[0])
				}
			},
		},
		{
			name:   "unknown fields ignored",
			input:  "foo: bar\ndata: hi\n\n",
			events: 1,
			check: func(t *testing.T, events []*Event) {
				if events[0].Data != "hi" {
					t.Errorf("data = %q", events[0].Data)
				}
			},
		},
		{
			name:   "multiline data joined",
			input:  "data: a\ndata: b\n\n",
			events: 1,
			check: func(t *testing.T, events []*Event) {
				if events[0].Data != "a\nb" {
					t.Errorf("data = %q", events[0].Data)
				}
			},
		},
		{
			name:   "empty records produce nothing",
			input:  "\n\n\n",
			events: 0,
		},
		{
			name:   "unparseable retry ignored",
			input:  "retry: abc\ndata: x\n\n",
			events: 1,
			check: func(t *testing.T, events []*Event) {
				if events[0].Retry != 0 {
					t.Errorf("retry = %d, want 0", events[0].Retry)
				}
			},
		},
		{
			name:   "incomplete final record discarded",
			input:  "event: text\ndata: hi\n",
			events: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := decodeAll(t, tt.input)
			if len(events) != tt.events {
				t.Fatalf("expected %d events, got %d", tt.events, len(events))
			}
			if tt.check != nil {
				tt.check(t, events)
			}
		})
	}
}

func TestDecoderLastEventIDPersists(t *testing.T) {
	input := "id: 7\ndata: first\n\ndata: second\n\n"

	dec := NewDecoder(strings.NewReader(input))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if first.ID != "7" {
		t.Errorf("first event id = %q, want 7", first.ID)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if second.ID != "7" {
		t.Errorf("id should persist across records, got %q", second.ID)
	}
	if dec.LastEventID() != "7" {
		t.Errorf("LastEventID = %q, want 7", dec.LastEventID())
	}
}

func TestDecoderDiscardsNULID(t *testing.T) {
	events := decodeAll(t, "id: a\x00b\ndata: x\n\n")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID != "" {
		t.Errorf("NUL id should be discarded, got %q", events[0].ID)
	}
}
