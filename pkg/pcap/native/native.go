// Package native defines the contract between pcapguard and a packet capture
// engine. An Engine mirrors the libpcap entry points one to one: it hands out
// opaque handles, reports failures through result codes and error buffers, and
// never owns any Go-side lifetime policy. Lifetime, idempotent release and
// error mapping live in package pcap.
package native

import (
	"net"
	"unsafe"

	"golang.org/x/net/bpf"
)

// ErrbufSize is the size of the error buffer passed to open primitives
// (PCAP_ERRBUF_SIZE).
const ErrbufSize = 256

// Handle is an opaque capture handle (pcap_t *). A nil Handle means the open
// primitive failed.
type Handle unsafe.Pointer

// Program is an opaque compiled filter (struct bpf_program *).
type Program unsafe.Pointer

// Dumper is an opaque capture file writer (pcap_dumper_t *).
type Dumper unsafe.Pointer

// Result codes returned by NextEx.
const (
	NextOK      = 1
	NextTimeout = 0
	NextError   = -1
	NextEOF     = -2
)

// Device flags (PCAP_IF_*).
const (
	IfLoopback uint32 = 0x1
	IfUp       uint32 = 0x2
	IfRunning  uint32 = 0x4
)

// Interface is one capture device (struct pcap_if), copied out of the native
// list.
type Interface struct {
	Name        string
	Description string
	Flags       uint32
	Addresses   []InterfaceAddress
}

// InterfaceAddress is one address of a device.
type InterfaceAddress struct {
	IP      net.IP
	Netmask net.IPMask
}

// Engine is the native capture surface. Implementations may panic on misuse
// (for example a stale handle); callers in package pcap recover where the
// contract requires it.
type Engine interface {
	// Name identifies the engine in the registry ("libpcap", "purego", ...).
	Name() string

	// OpenOffline opens a capture file. On failure it returns nil and writes
	// a NUL-terminated message into errbuf.
	OpenOffline(path string, errbuf []byte) Handle
	// OpenLive opens a network device for capture.
	OpenLive(device string, snaplen int, promisc bool, timeoutMs int, errbuf []byte) Handle
	// OpenDead creates a handle that is not attached to any source. It is
	// used to compile filters and to write capture files.
	OpenDead(linkType int, snaplen int) Handle
	Close(h Handle)

	// NextEx fetches the next record. code is one of NextOK, NextTimeout,
	// NextError or NextEOF. hdr and data are only meaningful for NextOK and
	// stay valid until the next call on h.
	NextEx(h Handle) (code int, hdr []byte, data []byte)
	BreakLoop(h Handle)

	Compile(h Handle, expr string, optimize bool, netmask uint32) (rc int, prog Program)
	SetFilter(h Handle, prog Program) int
	FreeCode(prog Program)
	// Instructions copies the instructions of a compiled program.
	Instructions(prog Program) []bpf.RawInstruction

	GetErr(h Handle) string
	Datalink(h Handle) int
	Snapshot(h Handle) int
	LookupNet(device string, errbuf []byte) (network uint32, netmask uint32, rc int)
	// FindAllDevs lists the devices that can be opened for live capture.
	// The native list is copied and freed before it returns.
	FindAllDevs(errbuf []byte) ([]Interface, int)

	DumpOpen(h Handle, path string) Dumper
	// Dump appends one record. hdr is a header record in HeaderLayout.
	Dump(d Dumper, hdr []byte, data []byte)
	DumpFlush(d Dumper) int
	DumpClose(d Dumper)

	LibVersion() string
	// HeaderLayout describes the header records returned by NextEx.
	HeaderLayout() Layout
}

// WriteErrbuf copies msg into errbuf as a NUL-terminated C string, truncating
// when needed.
func WriteErrbuf(errbuf []byte, msg string) {
	if len(errbuf) == 0 {
		return
	}
	n := copy(errbuf[:len(errbuf)-1], msg)
	errbuf[n] = 0
}
