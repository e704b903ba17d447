package pcap

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// Outcome is the result of one PollNext call.
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomePacket
	OutcomeTimeout
	OutcomeEOF
)

func (o Outcome) String() string {
	switch o {
	case OutcomePacket:
		return "packet"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeEOF:
		return "eof"
	default:
		return "error"
	}
}

// Result is a poll result. Header and Data are only set for OutcomePacket and
// alias engine memory: they are invalid after the next PollNext or Close.
type Result struct {
	Outcome Outcome
	Header  HeaderView
	Data    []byte
}

// Session owns one native capture handle. Only BreakPoll may be called
// concurrently with other methods; everything else must be serialized by the
// caller.
type Session struct {
	eng    native.Engine
	handle native.Handle
	layout native.Layout
	logger *slog.Logger

	id     string
	source string
	live   bool

	// mu serializes BreakPoll against Close so a break never reaches a freed
	// handle. PollNext does not take it.
	mu     sync.Mutex
	closed atomic.Bool
}

var (
	_ gopacket.PacketDataSource         = (*Session)(nil)
	_ gopacket.ZeroCopyPacketDataSource = (*Session)(nil)
)

// OpenOffline opens a capture file.
func OpenOffline(path string, opts ...Option) (*Session, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	errbuf := make([]byte, native.ErrbufSize)
	h := o.engine.OpenOffline(path, errbuf)
	if h == nil {
		return nil, &Error{Kind: ErrOpenFailed, Op: "pcap_open_offline", Detail: FromBuffer(errbuf)}
	}
	return newSession(o, h, path, false), nil
}

// OpenLive opens a network device. timeout bounds how long PollNext may block
// waiting for traffic; it is not a deadline.
func OpenLive(device string, snaplen int, promisc bool, timeout time.Duration, opts ...Option) (*Session, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	errbuf := make([]byte, native.ErrbufSize)
	h := o.engine.OpenLive(device, snaplen, promisc, timeoutMillis(timeout), errbuf)
	if h == nil {
		return nil, &Error{Kind: ErrOpenFailed, Op: "pcap_open_live", Detail: FromBuffer(errbuf)}
	}
	return newSession(o, h, device, true), nil
}

// OpenDead creates a session with no packet source, for compiling filters
// and writing capture files.
func OpenDead(linkType layers.LinkType, snaplen int, opts ...Option) (*Session, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	h := o.engine.OpenDead(int(linkType), snaplen)
	if h == nil {
		return nil, &Error{Kind: ErrOpenFailed, Op: "pcap_open_dead", Detail: NoDetail}
	}
	return newSession(o, h, "dead:"+linkType.String(), false), nil
}

func newSession(o options, h native.Handle, source string, live bool) *Session {
	s := &Session{
		eng:    o.engine,
		handle: h,
		layout: o.layout,
		id:     uuid.NewString(),
		source: source,
		live:   live,
	}
	s.logger = o.logger.With("session", s.id)
	s.logger.Debug("capture session opened",
		"engine", s.eng.Name(),
		"source", source,
		"live", live)
	return s
}

// timeoutMillis converts a poll budget to libpcap's to_ms. Negative means
// block (0); anything positive is rounded up to at least one millisecond.
func timeoutMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	if timeout < time.Millisecond {
		return 1
	}
	return int(timeout / time.Millisecond)
}

// PollNext fetches the next record with exactly one native call. Timeout and
// EOF are outcomes, not errors; a non-nil error always comes with
// OutcomeError and wraps ErrPollFailed.
func (s *Session) PollNext() (Result, error) {
	if s.closed.Load() {
		useAfterClose("PollNext")
		return Result{Outcome: OutcomeError}, closedError(ErrPollFailed)
	}
	code, hdr, data := s.eng.NextEx(s.handle)
	switch code {
	case native.NextOK:
		if len(hdr) < s.layout.Size {
			return Result{Outcome: OutcomeError}, &Error{
				Kind:   ErrPollFailed,
				Op:     "pcap_next_ex",
				Detail: fmt.Sprintf("header record is %d bytes, layout needs %d", len(hdr), s.layout.Size),
			}
		}
		return Result{Outcome: OutcomePacket, Header: NewHeaderView(hdr, s.layout), Data: data}, nil
	case native.NextTimeout:
		return Result{Outcome: OutcomeTimeout}, nil
	case native.NextEOF:
		return Result{Outcome: OutcomeEOF}, nil
	default:
		return Result{Outcome: OutcomeError}, &Error{
			Kind:   ErrPollFailed,
			Op:     "pcap_next_ex",
			Code:   code,
			Detail: FromSession(s),
		}
	}
}

// BreakPoll asks a PollNext blocked in another goroutine to return early. It
// is a no-op once the session is closed.
func (s *Session) BreakPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.eng.BreakLoop(s.handle)
}

// AttachFilter installs a compiled program. On failure the session stays open
// and usable.
func (s *Session) AttachFilter(p *Program) error {
	if s.closed.Load() {
		useAfterClose("AttachFilter")
		return closedError(ErrSetFilterFailed)
	}
	if p == nil || p.released.Load() {
		return fmt.Errorf("%w: %w", ErrSetFilterFailed, ErrReleased)
	}
	if rc := s.eng.SetFilter(s.handle, p.prog); rc != 0 {
		return &Error{
			Kind:   ErrSetFilterFailed,
			Op:     "pcap_setfilter",
			Code:   rc,
			Detail: FromSession(s),
		}
	}
	s.logger.Debug("filter attached", "filter", p.expr)
	return nil
}

// SetFilter compiles expr, attaches it and releases the program.
func (s *Session) SetFilter(expr string, optimize bool, netmask uint32) error {
	p, err := Compile(s, expr, optimize, netmask)
	if err != nil {
		return err
	}
	defer p.Release()
	return p.AttachTo(s)
}

// Close releases the native handle. It is idempotent, never fails and
// swallows engine panics: the handle may already be invalid.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("native close failed, ignored", "panic", r)
		}
	}()
	s.eng.Close(s.handle)
	s.logger.Debug("capture session closed", "source", s.source)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// LastError returns the engine's last error text, see FromSession.
func (s *Session) LastError() string {
	return FromSession(s)
}

// LinkType returns the data link type of the handle.
func (s *Session) LinkType() layers.LinkType {
	if s.closed.Load() {
		return layers.LinkTypeNull
	}
	return layers.LinkType(s.eng.Datalink(s.handle))
}

// Snapshot returns the snapshot length of the handle.
func (s *Session) Snapshot() int {
	if s.closed.Load() {
		return 0
	}
	return s.eng.Snapshot(s.handle)
}

// ID is a random identifier attached to the session's log records.
func (s *Session) ID() string { return s.id }

// Source is the file path or device name the session was opened on.
func (s *Session) Source() string { return s.source }

// Live reports whether the session captures from a device.
func (s *Session) Live() bool { return s.live }

// Layout returns the header record layout used to decode poll results.
func (s *Session) Layout() native.Layout { return s.layout }

// Engine returns the engine backing the session.
func (s *Session) Engine() native.Engine { return s.eng }

// ZeroCopyReadPacketData implements gopacket.ZeroCopyPacketDataSource. The
// returned slice aliases engine memory until the next read. Timeouts are
// reported as ErrTimeout and the end of a file as io.EOF.
func (s *Session) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	r, err := s.PollNext()
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	switch r.Outcome {
	case OutcomeTimeout:
		return nil, gopacket.CaptureInfo{}, ErrTimeout
	case OutcomeEOF:
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	h, err := r.Header.Decode()
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	return r.Data, h.CaptureInfo(), nil
}

// ReadPacketData implements gopacket.PacketDataSource. The data is copied.
func (s *Session) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.ZeroCopyReadPacketData()
	if err != nil {
		return nil, ci, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, ci, nil
}

// LookupNet returns the IPv4 network number and mask of a device, for use as
// the netmask argument of Compile.
func LookupNet(device string, opts ...Option) (network uint32, netmask uint32, err error) {
	o, err := buildOptions(opts)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	errbuf := make([]byte, native.ErrbufSize)
	network, netmask, rc := o.engine.LookupNet(device, errbuf)
	if rc != 0 {
		return 0, 0, &Error{Kind: ErrLookupFailed, Op: "pcap_lookupnet", Code: rc, Detail: FromBuffer(errbuf)}
	}
	return network, netmask, nil
}

// Interface is a capture device reported by FindAllDevs.
type Interface = native.Interface

// FindAllDevs lists the devices the engine can capture on.
func FindAllDevs(opts ...Option) ([]Interface, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	errbuf := make([]byte, native.ErrbufSize)
	devs, rc := o.engine.FindAllDevs(errbuf)
	if rc != 0 {
		return nil, &Error{Kind: ErrLookupFailed, Op: "pcap_findalldevs", Code: rc, Detail: FromBuffer(errbuf)}
	}
	return devs, nil
}

// LibVersion returns the engine's library version string.
func LibVersion(opts ...Option) (string, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return "", err
	}
	return o.engine.LibVersion(), nil
}
