// Package purego is a capture engine written in Go. Capture files are read and
// written with gopacket's pcapgo, filters are compiled by a tcpdump subset
// compiler and run on the x/net/bpf virtual machine, and live capture uses
// AF_PACKET where available.
//
// Importing the package registers the engine as "purego".
package purego

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// Name is the registry name of the engine.
const Name = "purego"

const ngMagic = 0x0A0D0D0A

// errPollTimeout is returned by live sources when the poll timeout expired.
var errPollTimeout = errors.New("poll timeout expired")

func init() {
	native.Register(New())
}

// Engine implements native.Engine.
type Engine struct {
	layout native.Layout
}

var _ native.Engine = (*Engine)(nil)

// New returns an engine producing header records in the host layout.
func New() *Engine {
	return &Engine{layout: native.HostLayout()}
}

type source interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

type handle struct {
	src      source
	close    func()
	linkType layers.LinkType
	snaplen  int
	// block makes NextEx wait out poll timeouts, for live handles opened
	// with a zero timeout.
	block bool
	// kernel attaches a filter in the kernel when the source supports it.
	kernel  func([]bpf.RawInstruction) error
	vm      *bpf.VM
	errText string
	broken  atomic.Bool
	hdr     []byte
}

type program struct {
	insns []bpf.Instruction
	raw   []bpf.RawInstruction
	vm    *bpf.VM
}

type dumper struct {
	f   *os.File
	buf *bufio.Writer
	w   *pcapgo.Writer
	err error
}

func toHandle(h native.Handle) *handle { return (*handle)(unsafe.Pointer(h)) }
func toProgram(p native.Program) *program { return (*program)(unsafe.Pointer(p)) }
func toDumper(d native.Dumper) *dumper { return (*dumper)(unsafe.Pointer(d)) }

func (e *Engine) wrap(h *handle) native.Handle {
	h.hdr = make([]byte, e.layout.Size)
	return native.Handle(unsafe.Pointer(h))
}

func (e *Engine) Name() string { return Name }

func (e *Engine) HeaderLayout() native.Layout { return e.layout }

// pathError renders err the way libpcap does: "path: reason".
func pathError(path string, err error) string {
	var pe *os.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return fmt.Sprintf("%s: %v", path, err)
}

func (e *Engine) OpenOffline(path string, errbuf []byte) native.Handle {
	f, err := os.Open(path)
	if err != nil {
		native.WriteErrbuf(errbuf, pathError(path, err))
		return nil
	}
	h, err := openReader(f)
	if err != nil {
		f.Close()
		native.WriteErrbuf(errbuf, pathError(path, err))
		return nil
	}
	return e.wrap(h)
}

func openReader(f *os.File) (*handle, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, errors.New("truncated dump file; could not read the file header")
	}
	h := &handle{close: func() { f.Close() }}
	if binary.LittleEndian.Uint32(magic) == ngMagic {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		h.src = r
		h.linkType = r.LinkType()
		h.snaplen = defaultSnaplen
		if iface, err := r.Interface(0); err == nil && iface.SnapLength != 0 {
			h.snaplen = int(iface.SnapLength)
		}
		return h, nil
	}
	r, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, err
	}
	h.src = r
	h.linkType = r.LinkType()
	h.snaplen = int(r.Snaplen())
	return h, nil
}

func (e *Engine) OpenLive(device string, snaplen int, promisc bool, timeoutMs int, errbuf []byte) native.Handle {
	h, err := openLive(device, snaplen, promisc, timeoutMs)
	if err != nil {
		native.WriteErrbuf(errbuf, err.Error())
		return nil
	}
	return e.wrap(h)
}

func (e *Engine) OpenDead(linkType int, snaplen int) native.Handle {
	if snaplen <= 0 {
		snaplen = defaultSnaplen
	}
	return e.wrap(&handle{linkType: layers.LinkType(linkType), snaplen: snaplen})
}

func (e *Engine) Close(h native.Handle) {
	if hd := toHandle(h); hd.close != nil {
		hd.close()
	}
}

func (e *Engine) NextEx(h native.Handle) (int, []byte, []byte) {
	hd := toHandle(h)
	if hd.src == nil {
		hd.errText = "packets aren't available from a dead handle"
		return native.NextError, nil, nil
	}
	for {
		if hd.broken.CompareAndSwap(true, false) {
			return native.NextEOF, nil, nil
		}
		data, ci, err := hd.src.ZeroCopyReadPacketData()
		switch {
		case errors.Is(err, io.EOF):
			return native.NextEOF, nil, nil
		case errors.Is(err, errPollTimeout):
			if hd.block {
				continue
			}
			return native.NextTimeout, nil, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			hd.errText = "truncated dump file; the last packet record is incomplete"
			return native.NextError, nil, nil
		case err != nil:
			hd.errText = err.Error()
			return native.NextError, nil, nil
		}
		if hd.vm != nil {
			n, err := hd.vm.Run(data)
			if err != nil {
				hd.errText = fmt.Sprintf("filter: %v", err)
				return native.NextError, nil, nil
			}
			if n == 0 {
				continue
			}
			if n < len(data) {
				data = data[:n]
			}
		}
		if hd.snaplen > 0 && len(data) > hd.snaplen {
			data = data[:hd.snaplen]
		}
		length := max(ci.Length, len(data))
		e.layout.PutHeader(hd.hdr,
			ci.Timestamp.Unix(), int64(ci.Timestamp.Nanosecond()/1000),
			uint32(len(data)), uint32(length))
		return native.NextOK, hd.hdr, data
	}
}

func (e *Engine) BreakLoop(h native.Handle) {
	toHandle(h).broken.Store(true)
}

func (e *Engine) Compile(h native.Handle, expr string, optimize bool, netmask uint32) (int, native.Program) {
	hd := toHandle(h)
	insns, err := compileFilter(expr, hd.linkType, hd.snaplen, netmask)
	if err != nil {
		hd.errText = err.Error()
		return -1, nil
	}
	raw, err := bpf.Assemble(insns)
	if err != nil {
		hd.errText = err.Error()
		return -1, nil
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		hd.errText = err.Error()
		return -1, nil
	}
	return 0, native.Program(unsafe.Pointer(&program{insns: insns, raw: raw, vm: vm}))
}

func (e *Engine) SetFilter(h native.Handle, prog native.Program) int {
	hd := toHandle(h)
	p := toProgram(prog)
	if p.vm == nil {
		hd.errText = "filter program has been freed"
		return -1
	}
	if hd.src == nil {
		hd.errText = "filters aren't supported on a dead handle"
		return -1
	}
	// prefer the kernel; fall back to filtering in user space
	if hd.kernel != nil && hd.kernel(p.raw) == nil {
		hd.vm = nil
		return 0
	}
	hd.vm = p.vm
	return 0
}

func (e *Engine) FreeCode(prog native.Program) {
	p := toProgram(prog)
	p.insns, p.raw, p.vm = nil, nil, nil
}

func (e *Engine) Instructions(prog native.Program) []bpf.RawInstruction {
	return append([]bpf.RawInstruction(nil), toProgram(prog).raw...)
}

func (e *Engine) GetErr(h native.Handle) string { return toHandle(h).errText }

func (e *Engine) Datalink(h native.Handle) int { return int(toHandle(h).linkType) }

func (e *Engine) Snapshot(h native.Handle) int { return toHandle(h).snaplen }

func (e *Engine) LookupNet(device string, errbuf []byte) (uint32, uint32, int) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		native.WriteErrbuf(errbuf, fmt.Sprintf("%s: no such device", device))
		return 0, 0, -1
	}
	addrs, err := iface.Addrs()
	if err != nil {
		native.WriteErrbuf(errbuf, fmt.Sprintf("%s: %v", device, err))
		return 0, 0, -1
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
			continue
		}
		mask := binary.BigEndian.Uint32(ipnet.Mask)
		return binary.BigEndian.Uint32(ip4) & mask, mask, 0
	}
	native.WriteErrbuf(errbuf, fmt.Sprintf("%s: no IPv4 address assigned", device))
	return 0, 0, -1
}

func (e *Engine) FindAllDevs(errbuf []byte) ([]native.Interface, int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		native.WriteErrbuf(errbuf, err.Error())
		return nil, -1
	}
	out := make([]native.Interface, 0, len(ifaces))
	for _, ifc := range ifaces {
		dev := native.Interface{Name: ifc.Name}
		if ifc.Flags&net.FlagLoopback != 0 {
			dev.Flags |= native.IfLoopback
		}
		if ifc.Flags&net.FlagUp != 0 {
			dev.Flags |= native.IfUp
		}
		if ifc.Flags&net.FlagRunning != 0 {
			dev.Flags |= native.IfRunning
		}
		// a device without readable addresses is still listed
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				dev.Addresses = append(dev.Addresses, native.InterfaceAddress{IP: ipnet.IP, Netmask: ipnet.Mask})
			}
		}
		out = append(out, dev)
	}
	return out, 0
}

func (e *Engine) DumpOpen(h native.Handle, path string) native.Dumper {
	hd := toHandle(h)
	f, err := os.Create(path)
	if err != nil {
		hd.errText = pathError(path, err)
		return nil
	}
	buf := bufio.NewWriter(f)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(uint32(hd.snaplen), hd.linkType); err != nil {
		f.Close()
		hd.errText = pathError(path, err)
		return nil
	}
	return native.Dumper(unsafe.Pointer(&dumper{f: f, buf: buf, w: w}))
}

func (e *Engine) Dump(d native.Dumper, hdr []byte, data []byte) {
	dm := toDumper(d)
	if dm.err != nil {
		return
	}
	sec, usec, caplen, length := e.layout.ReadHeader(hdr)
	if int(caplen) < len(data) {
		data = data[:caplen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(sec, usec*int64(time.Microsecond)),
		CaptureLength: len(data),
		Length:        max(int(length), len(data)),
	}
	dm.err = dm.w.WritePacket(ci, data)
}

func (e *Engine) DumpFlush(d native.Dumper) int {
	dm := toDumper(d)
	if dm.err != nil {
		return -1
	}
	if err := dm.buf.Flush(); err != nil {
		dm.err = err
		return -1
	}
	return 0
}

func (e *Engine) DumpClose(d native.Dumper) {
	dm := toDumper(d)
	dm.buf.Flush()
	dm.f.Close()
}

func (e *Engine) LibVersion() string {
	v := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == "github.com/google/gopacket" {
				v = dep.Version
			}
		}
	}
	return "purego capture engine (gopacket " + v + ")"
}
