// Package sse implements the Server-Sent Events wire format used by the bot
// protocol: encoding events onto a response stream and decoding them from one,
// with support for all three line terminators and configurable output
// separators.
package sse

import (
	"errors"
	"strings"
)

const (
	// SeparatorCRLF is the default record separator.
	SeparatorCRLF = "\r\n"
	SeparatorCR   = "\r"
	SeparatorLF   = "\n"
)

var (
	// ErrInvalidSeparator is returned when an encoder is created with a
	// separator other than \r\n, \r, or \n.
	ErrInvalidSeparator = errors.New("sse: separator must be \\r\\n, \\r, or \\n")

	// ErrInvalidRetry is returned when an event carries a retry value that
	// cannot be expressed as a reconnection time in milliseconds.
	ErrInvalidRetry = errors.New("sse: retry must be a non-negative integer")
)

// Event represents a single Server-Sent Event record.
// A zero Retry means the field is absent.
type Event struct {
	Event   string
	Data    string
	ID      string
	Retry   int
	Comment string // emitted as comment lines ahead of the fields, never decoded
}

// ValidSeparator reports whether sep is one of the three legal record
// separators.
func ValidSeparator(sep string) bool {
	switch sep {
	case SeparatorCRLF, SeparatorCR, SeparatorLF:
		return true
	}
	return false
}

// splitLines splits s on any line terminator (\r\n, \r, or \n), preserving
// empty fragments so multi-line data round-trips.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

var terminatorStripper = strings.NewReplacer("\r\n", "", "\r", "", "\n", "")

// stripTerminators removes embedded line terminators from single-line field
// values such as id and event.
func stripTerminators(s string) string {
	return terminatorStripper.Replace(s)
}
