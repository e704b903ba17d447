package pcap

import (
	"errors"
	"fmt"
	"strings"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// Error kinds. Every failure returned by this package matches exactly one of
// the first six with errors.Is.
var (
	ErrOpenFailed      = errors.New("pcap: open failed")
	ErrCompileFailed   = errors.New("pcap: compile failed")
	ErrSetFilterFailed = errors.New("pcap: set filter failed")
	ErrPollFailed      = errors.New("pcap: poll failed")
	ErrDumpFailed      = errors.New("pcap: dump failed")
	ErrLookupFailed    = errors.New("pcap: lookup failed")

	// ErrClosed is wrapped together with the operation kind when a closed
	// session is used.
	ErrClosed = errors.New("pcap: session closed")
	// ErrReleased is wrapped with ErrSetFilterFailed when a released program
	// is attached.
	ErrReleased = errors.New("pcap: filter program released")
	// ErrShortHeader is returned by Decode when the block is smaller than the
	// layout requires.
	ErrShortHeader = errors.New("pcap: header block too short")
	// ErrTimeout is returned by the gopacket data source methods when the
	// engine's poll timeout expired without a packet.
	ErrTimeout = errors.New("pcap: timeout expired")

	// ErrNoEngine is returned when no engine was given and none is registered.
	ErrNoEngine = native.ErrNoEngine
)

// Error carries the native diagnostic for a failed operation.
type Error struct {
	// Kind is one of the package error kinds.
	Kind error
	// Op names the native primitive, e.g. "pcap_compile".
	Op string
	// Code is the native result code, when the primitive returns one.
	Code int
	// Expr is the filter expression for compile failures.
	Expr string
	// Detail is the native error text, NoDetail when unavailable.
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " rc=%d", e.Code)
	}
	if e.Expr != "" {
		fmt.Fprintf(&b, " expr=%q", e.Expr)
	}
	b.WriteString(": ")
	b.WriteString(e.Detail)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func closedError(kind error) error {
	return fmt.Errorf("%w: %w", kind, ErrClosed)
}
