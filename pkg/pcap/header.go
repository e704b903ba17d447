package pcap

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// Header is a decoded packet header record.
type Header struct {
	Seconds       int64
	Microseconds  int64
	CaptureLength uint32
	Length        uint32
}

// Timestamp converts the record's timeval to a time.Time.
func (h Header) Timestamp() time.Time {
	return time.Unix(h.Seconds, h.Microseconds*int64(time.Microsecond))
}

// Valid reports whether the captured length does not exceed the original
// length. Decode does not enforce it.
func (h Header) Valid() bool {
	return h.CaptureLength <= h.Length
}

// CaptureInfo converts the header to gopacket's representation.
func (h Header) CaptureInfo() gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     h.Timestamp(),
		CaptureLength: int(h.CaptureLength),
		Length:        int(h.Length),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("%d.%06d caplen=%d len=%d", h.Seconds, h.Microseconds, h.CaptureLength, h.Length)
}

// Decode reads a header record out of block using layout. The only check is
// that block holds at least layout.Size bytes.
func Decode(block []byte, layout native.Layout) (Header, error) {
	if len(block) < layout.Size {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortHeader, len(block), layout.Size)
	}
	sec, usec, caplen, length := layout.ReadHeader(block)
	return Header{Seconds: sec, Microseconds: usec, CaptureLength: caplen, Length: length}, nil
}

// Encode writes h into block using layout. It is the inverse of Decode.
func Encode(block []byte, layout native.Layout, h Header) error {
	if len(block) < layout.Size {
		return fmt.Errorf("%w: %d bytes, need %d", ErrShortHeader, len(block), layout.Size)
	}
	layout.PutHeader(block, h.Seconds, h.Microseconds, h.CaptureLength, h.Length)
	return nil
}

func readInt(b []byte, off, size int) int64 {
	if size == 4 {
		return int64(int32(binary.NativeEndian.Uint32(b[off:])))
	}
	return int64(binary.NativeEndian.Uint64(b[off:]))
}

// HeaderView is a view over a header record owned by the capture engine. It
// is only valid until the next PollNext or Close on the session that produced
// it; use Decode to keep the values.
type HeaderView struct {
	block  []byte
	layout native.Layout
}

// NewHeaderView wraps block. It does not copy.
func NewHeaderView(block []byte, layout native.Layout) HeaderView {
	return HeaderView{block: block, layout: layout}
}

// Seconds returns timeval.tv_sec.
func (v HeaderView) Seconds() int64 {
	return readInt(v.block, v.layout.SecondsOffset, v.layout.SecondsSize)
}

// Microseconds returns timeval.tv_usec.
func (v HeaderView) Microseconds() int64 {
	return readInt(v.block, v.layout.MicrosOffset, v.layout.MicrosSize)
}

// CaptureLength returns caplen.
func (v HeaderView) CaptureLength() uint32 {
	return binary.NativeEndian.Uint32(v.block[v.layout.CapLenOffset:])
}

// Length returns the original packet length.
func (v HeaderView) Length() uint32 {
	return binary.NativeEndian.Uint32(v.block[v.layout.LenOffset:])
}

// Decode copies all fields out of the view.
func (v HeaderView) Decode() (Header, error) {
	return Decode(v.block, v.layout)
}

// Bytes returns the underlying record. The slice aliases engine memory.
func (v HeaderView) Bytes() []byte {
	return v.block
}

// Layout returns the layout the view decodes with.
func (v HeaderView) Layout() native.Layout {
	return v.layout
}
