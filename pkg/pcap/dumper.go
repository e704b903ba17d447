package pcap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

var errDumperClosed = errors.New("dumper closed")

// Dumper appends packet records to a capture file through the engine. Like
// Session, Close is idempotent and never fails.
type Dumper struct {
	eng    native.Engine
	d      native.Dumper
	path   string
	layout native.Layout
	// scratch holds the header record handed to the engine.
	scratch []byte
	logger  *slog.Logger

	closed atomic.Bool
}

// NewDumper opens path for writing with the link type and snapshot length of
// s. Offline and dead sessions are the usual sources.
func (s *Session) NewDumper(path string) (*Dumper, error) {
	if s.closed.Load() {
		useAfterClose("NewDumper")
		return nil, closedError(ErrDumpFailed)
	}
	d := s.eng.DumpOpen(s.handle, path)
	if d == nil {
		return nil, &Error{Kind: ErrDumpFailed, Op: "pcap_dump_open", Detail: FromSession(s)}
	}
	dm := &Dumper{
		eng:     s.eng,
		d:       d,
		path:    path,
		layout:  s.layout,
		scratch: make([]byte, s.layout.Size),
		logger:  s.logger.With("dump", path),
	}
	dm.logger.Debug("dumper opened")
	return dm, nil
}

// Write appends one record. The captured length is clamped to len(data) so
// the engine never reads past the slice.
func (d *Dumper) Write(h Header, data []byte) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: %w", ErrDumpFailed, errDumperClosed)
	}
	if uint32(len(data)) < h.CaptureLength {
		h.CaptureLength = uint32(len(data))
	}
	if err := Encode(d.scratch, d.layout, h); err != nil {
		return fmt.Errorf("%w: %w", ErrDumpFailed, err)
	}
	d.eng.Dump(d.d, d.scratch, data[:h.CaptureLength])
	return nil
}

// WriteResult appends the packet of a poll result.
func (d *Dumper) WriteResult(r Result) error {
	if r.Outcome != OutcomePacket {
		return fmt.Errorf("%w: result has no packet (%s)", ErrDumpFailed, r.Outcome)
	}
	h, err := r.Header.Decode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDumpFailed, err)
	}
	return d.Write(h, r.Data)
}

// Flush pushes buffered records to the file.
func (d *Dumper) Flush() error {
	if d.closed.Load() {
		return fmt.Errorf("%w: %w", ErrDumpFailed, errDumperClosed)
	}
	if rc := d.eng.DumpFlush(d.d); rc != 0 {
		return &Error{Kind: ErrDumpFailed, Op: "pcap_dump_flush", Code: rc, Detail: NoDetail}
	}
	return nil
}

// Close flushes and closes the file. Failures are swallowed.
func (d *Dumper) Close() {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("native dumper close failed, ignored", "panic", r)
		}
	}()
	d.eng.DumpClose(d.d)
	d.logger.Debug("dumper closed")
}

// Path returns the file the dumper writes to.
func (d *Dumper) Path() string {
	return d.path
}
