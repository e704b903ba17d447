package native

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Layout describes where the fields of a packet header record
// (struct pcap_pkthdr) live in memory. Offsets are in bytes; sizes are 4 or 8.
// Byte order is always the host's.
type Layout struct {
	SecondsOffset int `mapstructure:"seconds_offset" yaml:"seconds_offset"`
	SecondsSize   int `mapstructure:"seconds_size" yaml:"seconds_size"`
	MicrosOffset  int `mapstructure:"micros_offset" yaml:"micros_offset"`
	MicrosSize    int `mapstructure:"micros_size" yaml:"micros_size"`
	CapLenOffset  int `mapstructure:"caplen_offset" yaml:"caplen_offset"`
	LenOffset     int `mapstructure:"len_offset" yaml:"len_offset"`
	// Size is the minimum length of a header block.
	Size int `mapstructure:"size" yaml:"size"`
}

var (
	// LayoutLP64 is the record layout on 64-bit Linux: a 16 byte
	// struct timeval followed by caplen and len.
	LayoutLP64 = Layout{
		SecondsOffset: 0, SecondsSize: 8,
		MicrosOffset: 8, MicrosSize: 8,
		CapLenOffset: 16,
		LenOffset:    20,
		Size:         24,
	}

	// LayoutILP32 is the record layout on 32-bit platforms with a 32-bit
	// time_t (and on Windows, where struct timeval holds two longs).
	LayoutILP32 = Layout{
		SecondsOffset: 0, SecondsSize: 4,
		MicrosOffset: 4, MicrosSize: 4,
		CapLenOffset: 8,
		LenOffset:    12,
		Size:         16,
	}
)

// HostLayout guesses the record layout from the pointer width. Engines that
// can inspect the C struct should report the real layout instead.
func HostLayout() Layout {
	if strconv.IntSize == 64 {
		return LayoutLP64
	}
	return LayoutILP32
}

// IsZero reports whether l is the zero Layout.
func (l Layout) IsZero() bool {
	return l == Layout{}
}

// Validate checks that every field fits inside Size.
func (l Layout) Validate() error {
	if l.SecondsSize != 4 && l.SecondsSize != 8 {
		return fmt.Errorf("seconds_size must be 4 or 8, got %d", l.SecondsSize)
	}
	if l.MicrosSize != 4 && l.MicrosSize != 8 {
		return fmt.Errorf("micros_size must be 4 or 8, got %d", l.MicrosSize)
	}
	fields := []struct {
		name string
		off  int
		size int
	}{
		{"seconds", l.SecondsOffset, l.SecondsSize},
		{"micros", l.MicrosOffset, l.MicrosSize},
		{"caplen", l.CapLenOffset, 4},
		{"len", l.LenOffset, 4},
	}
	for _, f := range fields {
		if f.off < 0 || f.off+f.size > l.Size {
			return fmt.Errorf("%s field [%d,%d) exceeds header size %d", f.name, f.off, f.off+f.size, l.Size)
		}
	}
	return nil
}

// PutHeader writes a header record into block, which must hold at least
// l.Size bytes. Engines that synthesize records use it.
func (l Layout) PutHeader(block []byte, sec, usec int64, caplen, length uint32) {
	putInt(block[l.SecondsOffset:], l.SecondsSize, sec)
	putInt(block[l.MicrosOffset:], l.MicrosSize, usec)
	binary.NativeEndian.PutUint32(block[l.CapLenOffset:], caplen)
	binary.NativeEndian.PutUint32(block[l.LenOffset:], length)
}

// ReadHeader is the inverse of PutHeader. 4-byte time fields are sign
// extended.
func (l Layout) ReadHeader(block []byte) (sec, usec int64, caplen, length uint32) {
	return getInt(block[l.SecondsOffset:], l.SecondsSize),
		getInt(block[l.MicrosOffset:], l.MicrosSize),
		binary.NativeEndian.Uint32(block[l.CapLenOffset:]),
		binary.NativeEndian.Uint32(block[l.LenOffset:])
}

func getInt(b []byte, size int) int64 {
	if size == 4 {
		return int64(int32(binary.NativeEndian.Uint32(b)))
	}
	return int64(binary.NativeEndian.Uint64(b))
}

func putInt(b []byte, size int, v int64) {
	if size == 4 {
		binary.NativeEndian.PutUint32(b, uint32(int32(v)))
		return
	}
	binary.NativeEndian.PutUint64(b, uint64(v))
}
