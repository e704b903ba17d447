// Package pcaptest provides a scripted in-memory capture engine for tests.
package pcaptest

import (
	"slices"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/net/bpf"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// Step is one scripted NextEx result.
type Step struct {
	Code    int
	Seconds int64
	Micros  int64
	CapLen  uint32
	Len     uint32
	Data    []byte
	// Err becomes the handle's error text for NextError steps.
	Err string
	// RawHeader replaces the encoded header record when set.
	RawHeader []byte
	// Block makes NextEx wait until BreakLoop is called on the handle, then
	// report NextEOF.
	Block bool
}

// Packet returns a NextOK step carrying data.
func Packet(sec, usec int64, data []byte) Step {
	return Step{
		Code:    native.NextOK,
		Seconds: sec,
		Micros:  usec,
		CapLen:  uint32(len(data)),
		Len:     uint32(len(data)),
		Data:    data,
	}
}

// Timeout returns a NextTimeout step.
func Timeout() Step { return Step{Code: native.NextTimeout} }

// Fail returns a NextError step with the given error text.
func Fail(msg string) Step { return Step{Code: native.NextError, Err: msg} }

// Block returns a step that parks NextEx until the handle is broken.
func Block() Step { return Step{Block: true} }

// Dumped is a record written through Dump.
type Dumped struct {
	Path   string
	Header []byte
	Data   []byte
}

// Engine implements native.Engine over scripted steps. Each opened handle
// replays Steps from the start and reports NextEOF when they run out.
type Engine struct {
	// Layout of the synthesized header records, HostLayout when zero.
	Layout native.Layout
	Steps  []Step
	// OpenError makes every open fail with this errbuf text.
	OpenError string
	// InvalidFilters are expressions that fail to compile.
	InvalidFilters []string
	// SetFilterCode is returned by SetFilter.
	SetFilterCode int
	// ErrText is the initial error text of every handle.
	ErrText string
	// Panics lists engine methods that panic when called.
	Panics []string
	// LookupError makes LookupNet fail with this errbuf text.
	LookupError      string
	Network, Netmask uint32
	// Devices is returned by FindAllDevs unless FindDevsError is set.
	Devices       []native.Interface
	FindDevsError string
	// DumpOpenFails makes DumpOpen return nil.
	DumpOpenFails bool

	mu      sync.Mutex
	calls   map[string]int
	dumped  []Dumped
	blocked chan struct{}
}

var _ native.Engine = (*Engine)(nil)

// New returns an engine replaying steps.
func New(steps ...Step) *Engine {
	return &Engine{Steps: steps}
}

type handle struct {
	steps    []Step
	pos      int
	linkType int
	snaplen  int
	errText  string
	filter   string
	// breaks holds at most one pending BreakLoop.
	breaks   chan struct{}
	hdr      []byte
}

type program struct {
	expr    string
	snaplen int
}

type dumper struct {
	path string
}

func toHandle(h native.Handle) *handle { return (*handle)(unsafe.Pointer(h)) }

func (e *Engine) enter(name string) {
	e.mu.Lock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[name]++
	e.mu.Unlock()
	if slices.Contains(e.Panics, name) {
		panic("pcaptest: " + name)
	}
}

// Calls returns how many times the named method was called.
func (e *Engine) Calls(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[name]
}

// Blocked receives once each time a NextEx parks on a Block step.
func (e *Engine) Blocked() <-chan struct{} {
	return e.blockedChan()
}

func (e *Engine) blockedChan() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blocked == nil {
		e.blocked = make(chan struct{}, 16)
	}
	return e.blocked
}

// Dumps returns the records written through Dump.
func (e *Engine) Dumps() []Dumped {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.dumped)
}

func (e *Engine) Name() string { return "pcaptest" }

func (e *Engine) HeaderLayout() native.Layout {
	if e.Layout.IsZero() {
		return native.HostLayout()
	}
	return e.Layout
}

func (e *Engine) newHandle(linkType, snaplen int) native.Handle {
	h := &handle{
		steps:    slices.Clone(e.Steps),
		linkType: linkType,
		snaplen:  snaplen,
		errText:  e.ErrText,
		breaks:   make(chan struct{}, 1),
		hdr:      make([]byte, e.HeaderLayout().Size),
	}
	return native.Handle(unsafe.Pointer(h))
}

func (e *Engine) OpenOffline(path string, errbuf []byte) native.Handle {
	e.enter("OpenOffline")
	if e.OpenError != "" {
		native.WriteErrbuf(errbuf, e.OpenError)
		return nil
	}
	return e.newHandle(1, 262144)
}

func (e *Engine) OpenLive(device string, snaplen int, promisc bool, timeoutMs int, errbuf []byte) native.Handle {
	e.enter("OpenLive")
	if e.OpenError != "" {
		native.WriteErrbuf(errbuf, e.OpenError)
		return nil
	}
	return e.newHandle(1, snaplen)
}

func (e *Engine) OpenDead(linkType int, snaplen int) native.Handle {
	e.enter("OpenDead")
	return e.newHandle(linkType, snaplen)
}

func (e *Engine) Close(h native.Handle) {
	e.enter("Close")
}

func (e *Engine) NextEx(h native.Handle) (int, []byte, []byte) {
	e.enter("NextEx")
	hd := toHandle(h)
	select {
	case <-hd.breaks:
		return native.NextEOF, nil, nil
	default:
	}
	if hd.pos >= len(hd.steps) {
		return native.NextEOF, nil, nil
	}
	st := hd.steps[hd.pos]
	hd.pos++
	if st.Block {
		e.blockedChan() <- struct{}{}
		<-hd.breaks
		return native.NextEOF, nil, nil
	}
	switch st.Code {
	case native.NextOK:
		if st.RawHeader != nil {
			return native.NextOK, st.RawHeader, st.Data
		}
		EncodeHeader(hd.hdr, e.HeaderLayout(), st.Seconds, st.Micros, st.CapLen, st.Len)
		return native.NextOK, hd.hdr, st.Data
	case native.NextError:
		hd.errText = st.Err
	}
	return st.Code, nil, nil
}

func (e *Engine) BreakLoop(h native.Handle) {
	e.enter("BreakLoop")
	select {
	case toHandle(h).breaks <- struct{}{}:
	default:
	}
}

func (e *Engine) Compile(h native.Handle, expr string, optimize bool, netmask uint32) (int, native.Program) {
	e.enter("Compile")
	hd := toHandle(h)
	if slices.Contains(e.InvalidFilters, expr) {
		hd.errText = "syntax error in filter expression: " + expr
		return -1, nil
	}
	p := &program{expr: expr, snaplen: hd.snaplen}
	return 0, native.Program(unsafe.Pointer(p))
}

func (e *Engine) SetFilter(h native.Handle, prog native.Program) int {
	e.enter("SetFilter")
	hd := toHandle(h)
	if e.SetFilterCode != 0 {
		hd.errText = "setfilter rejected"
		return e.SetFilterCode
	}
	hd.filter = (*program)(unsafe.Pointer(prog)).expr
	return 0
}

func (e *Engine) FreeCode(prog native.Program) {
	e.enter("FreeCode")
}

func (e *Engine) Instructions(prog native.Program) []bpf.RawInstruction {
	e.enter("Instructions")
	p := (*program)(unsafe.Pointer(prog))
	return []bpf.RawInstruction{{Op: 0x06, K: uint32(p.snaplen)}}
}

func (e *Engine) GetErr(h native.Handle) string {
	e.enter("GetErr")
	return toHandle(h).errText
}

func (e *Engine) Datalink(h native.Handle) int {
	e.enter("Datalink")
	return toHandle(h).linkType
}

func (e *Engine) Snapshot(h native.Handle) int {
	e.enter("Snapshot")
	return toHandle(h).snaplen
}

// Filter returns the expression last attached to h.
func Filter(h native.Handle) string {
	return toHandle(h).filter
}

func (e *Engine) LookupNet(device string, errbuf []byte) (uint32, uint32, int) {
	e.enter("LookupNet")
	if e.LookupError != "" {
		native.WriteErrbuf(errbuf, e.LookupError)
		return 0, 0, -1
	}
	return e.Network, e.Netmask, 0
}

func (e *Engine) FindAllDevs(errbuf []byte) ([]native.Interface, int) {
	e.enter("FindAllDevs")
	if e.FindDevsError != "" {
		native.WriteErrbuf(errbuf, e.FindDevsError)
		return nil, -1
	}
	return slices.Clone(e.Devices), 0
}

func (e *Engine) DumpOpen(h native.Handle, path string) native.Dumper {
	e.enter("DumpOpen")
	if e.DumpOpenFails {
		toHandle(h).errText = path + ": permission denied"
		return nil
	}
	return native.Dumper(unsafe.Pointer(&dumper{path: path}))
}

func (e *Engine) Dump(d native.Dumper, hdr []byte, data []byte) {
	e.enter("Dump")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dumped = append(e.dumped, Dumped{
		Path:   (*dumper)(unsafe.Pointer(d)).path,
		Header: slices.Clone(hdr),
		Data:   slices.Clone(data),
	})
}

func (e *Engine) DumpFlush(d native.Dumper) int {
	e.enter("DumpFlush")
	return 0
}

func (e *Engine) DumpClose(d native.Dumper) {
	e.enter("DumpClose")
}

func (e *Engine) LibVersion() string {
	e.enter("LibVersion")
	return "pcaptest version 1.0"
}

// EncodeHeader writes a header record into block using layout. block must be
// at least layout.Size bytes.
func EncodeHeader(block []byte, layout native.Layout, sec, usec int64, caplen, length uint32) {
	layout.PutHeader(block, sec, usec, caplen, length)
}

// ErrbufString returns the NUL-terminated text in errbuf.
func ErrbufString(errbuf []byte) string {
	s, _, _ := strings.Cut(string(errbuf), "\x00")
	return s
}
