//go:build cgo && !nopcap

package libpcap

/*
#cgo linux LDFLAGS: -lpcap
#cgo freebsd LDFLAGS: -lpcap
#cgo openbsd LDFLAGS: -lpcap
#cgo darwin LDFLAGS: -lpcap
#include <stdlib.h>
#include <string.h>
#include <sys/socket.h>
#include <netinet/in.h>
#include <pcap.h>

// copies the address of sa into out and returns its length, 0 when sa is not
// an IPv4 or IPv6 address.
static int sockaddr_ip(struct sockaddr *sa, unsigned char *out) {
	if (sa == NULL) {
		return 0;
	}
	switch (sa->sa_family) {
	case AF_INET:
		memcpy(out, &((struct sockaddr_in *)sa)->sin_addr, 4);
		return 4;
	case AF_INET6:
		memcpy(out, &((struct sockaddr_in6 *)sa)->sin6_addr, 16);
		return 16;
	}
	return 0;
}
*/
import "C"

import (
	"net"
	"sync"
	"unsafe"

	"golang.org/x/net/bpf"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// Name is the registry name of the engine.
const Name = "libpcap"

// pcap_compile is not reentrant before libpcap 1.8.
var compileMu sync.Mutex

func init() {
	native.Register(New())
}

// Engine implements native.Engine on top of libpcap.
type Engine struct {
	layout native.Layout
}

var _ native.Engine = (*Engine)(nil)

// New returns the engine. The header layout is taken from the C definition
// of struct pcap_pkthdr this package was compiled against.
func New() *Engine {
	var h C.struct_pcap_pkthdr
	return &Engine{layout: native.Layout{
		SecondsOffset: int(unsafe.Offsetof(h.ts) + unsafe.Offsetof(h.ts.tv_sec)),
		SecondsSize:   int(unsafe.Sizeof(h.ts.tv_sec)),
		MicrosOffset:  int(unsafe.Offsetof(h.ts) + unsafe.Offsetof(h.ts.tv_usec)),
		MicrosSize:    int(unsafe.Sizeof(h.ts.tv_usec)),
		CapLenOffset:  int(unsafe.Offsetof(h.caplen)),
		LenOffset:     int(unsafe.Offsetof(h.len)),
		Size:          int(unsafe.Sizeof(h)),
	}}
}

func cHandle(h native.Handle) *C.pcap_t { return (*C.pcap_t)(h) }

func cProgram(p native.Program) *C.struct_bpf_program { return (*C.struct_bpf_program)(p) }

func cDumper(d native.Dumper) *C.pcap_dumper_t { return (*C.pcap_dumper_t)(d) }

type errbuf [C.PCAP_ERRBUF_SIZE]C.char

func (b *errbuf) copyTo(dst []byte) {
	native.WriteErrbuf(dst, C.GoString(&b[0]))
}

func (e *Engine) Name() string { return Name }

func (e *Engine) HeaderLayout() native.Layout { return e.layout }

func (e *Engine) OpenOffline(path string, eb []byte) native.Handle {
	var cerr errbuf
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	p := C.pcap_open_offline(cpath, &cerr[0])
	if p == nil {
		cerr.copyTo(eb)
		return nil
	}
	return native.Handle(unsafe.Pointer(p))
}

func (e *Engine) OpenLive(device string, snaplen int, promisc bool, timeoutMs int, eb []byte) native.Handle {
	var cerr errbuf
	cdev := C.CString(device)
	defer C.free(unsafe.Pointer(cdev))
	var pro C.int
	if promisc {
		pro = 1
	}
	p := C.pcap_open_live(cdev, C.int(snaplen), pro, C.int(timeoutMs), &cerr[0])
	if p == nil {
		cerr.copyTo(eb)
		return nil
	}
	return native.Handle(unsafe.Pointer(p))
}

func (e *Engine) OpenDead(linkType int, snaplen int) native.Handle {
	p := C.pcap_open_dead(C.int(linkType), C.int(snaplen))
	if p == nil {
		return nil
	}
	return native.Handle(unsafe.Pointer(p))
}

func (e *Engine) Close(h native.Handle) {
	C.pcap_close(cHandle(h))
}

func (e *Engine) NextEx(h native.Handle) (int, []byte, []byte) {
	var hdr *C.struct_pcap_pkthdr
	var data *C.u_char
	rc := int(C.pcap_next_ex(cHandle(h), &hdr, &data))
	if rc != native.NextOK || hdr == nil {
		return rc, nil, nil
	}
	block := unsafe.Slice((*byte)(unsafe.Pointer(hdr)), e.layout.Size)
	var payload []byte
	if data != nil && hdr.caplen > 0 {
		payload = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(hdr.caplen))
	}
	return rc, block, payload
}

func (e *Engine) BreakLoop(h native.Handle) {
	C.pcap_breakloop(cHandle(h))
}

func (e *Engine) Compile(h native.Handle, expr string, optimize bool, netmask uint32) (int, native.Program) {
	prog := (*C.struct_bpf_program)(C.calloc(1, C.sizeof_struct_bpf_program))
	cexpr := C.CString(expr)
	defer C.free(unsafe.Pointer(cexpr))
	var opt C.int
	if optimize {
		opt = 1
	}

	compileMu.Lock()
	rc := int(C.pcap_compile(cHandle(h), prog, cexpr, opt, C.bpf_u_int32(netmask)))
	compileMu.Unlock()

	if rc != 0 {
		// libpcap already released the instructions
		C.free(unsafe.Pointer(prog))
		return rc, nil
	}
	return 0, native.Program(unsafe.Pointer(prog))
}

func (e *Engine) SetFilter(h native.Handle, prog native.Program) int {
	return int(C.pcap_setfilter(cHandle(h), cProgram(prog)))
}

func (e *Engine) FreeCode(prog native.Program) {
	p := cProgram(prog)
	C.pcap_freecode(p)
	C.free(unsafe.Pointer(p))
}

func (e *Engine) Instructions(prog native.Program) []bpf.RawInstruction {
	p := cProgram(prog)
	if p.bf_len == 0 || p.bf_insns == nil {
		return nil
	}
	insns := unsafe.Slice(p.bf_insns, int(p.bf_len))
	out := make([]bpf.RawInstruction, len(insns))
	for i, in := range insns {
		out[i] = bpf.RawInstruction{
			Op: uint16(in.code),
			Jt: uint8(in.jt),
			Jf: uint8(in.jf),
			K:  uint32(in.k),
		}
	}
	return out
}

func (e *Engine) GetErr(h native.Handle) string {
	return C.GoString(C.pcap_geterr(cHandle(h)))
}

func (e *Engine) Datalink(h native.Handle) int {
	return int(C.pcap_datalink(cHandle(h)))
}

func (e *Engine) Snapshot(h native.Handle) int {
	return int(C.pcap_snapshot(cHandle(h)))
}

func (e *Engine) LookupNet(device string, eb []byte) (uint32, uint32, int) {
	var cerr errbuf
	var network, netmask C.bpf_u_int32
	cdev := C.CString(device)
	defer C.free(unsafe.Pointer(cdev))
	rc := int(C.pcap_lookupnet(cdev, &network, &netmask, &cerr[0]))
	if rc != 0 {
		cerr.copyTo(eb)
		return 0, 0, rc
	}
	return uint32(network), uint32(netmask), 0
}

func (e *Engine) FindAllDevs(eb []byte) ([]native.Interface, int) {
	var cerr errbuf
	var alldevs *C.pcap_if_t
	if rc := int(C.pcap_findalldevs(&alldevs, &cerr[0])); rc != 0 {
		cerr.copyTo(eb)
		return nil, rc
	}
	if alldevs == nil {
		return nil, 0
	}
	defer C.pcap_freealldevs(alldevs)

	var out []native.Interface
	for d := (*C.struct_pcap_if)(alldevs); d != nil; d = (*C.struct_pcap_if)(d.next) {
		dev := native.Interface{Name: C.GoString(d.name), Flags: uint32(d.flags)}
		if d.description != nil {
			dev.Description = C.GoString(d.description)
		}
		for a := (*C.struct_pcap_addr)(d.addresses); a != nil; a = (*C.struct_pcap_addr)(a.next) {
			ip := sockaddrIP(a.addr)
			if ip == nil {
				continue
			}
			dev.Addresses = append(dev.Addresses, native.InterfaceAddress{
				IP:      ip,
				Netmask: net.IPMask(sockaddrIP(a.netmask)),
			})
		}
		out = append(out, dev)
	}
	return out, 0
}

func sockaddrIP(sa *C.struct_sockaddr) net.IP {
	var buf [16]C.uchar
	n := C.sockaddr_ip(sa, &buf[0])
	if n == 0 {
		return nil
	}
	return net.IP(C.GoBytes(unsafe.Pointer(&buf[0]), n))
}

func (e *Engine) DumpOpen(h native.Handle, path string) native.Dumper {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	d := C.pcap_dump_open(cHandle(h), cpath)
	if d == nil {
		return nil
	}
	return native.Dumper(unsafe.Pointer(d))
}

func (e *Engine) Dump(d native.Dumper, hdr []byte, data []byte) {
	var ch C.struct_pcap_pkthdr
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&ch)), unsafe.Sizeof(ch)), hdr)
	var sp *C.u_char
	if len(data) > 0 {
		sp = (*C.u_char)(unsafe.Pointer(&data[0]))
	}
	C.pcap_dump((*C.u_char)(unsafe.Pointer(cDumper(d))), &ch, sp)
}

func (e *Engine) DumpFlush(d native.Dumper) int {
	return int(C.pcap_dump_flush(cDumper(d)))
}

func (e *Engine) DumpClose(d native.Dumper) {
	C.pcap_dump_close(cDumper(d))
}

func (e *Engine) LibVersion() string {
	return C.GoString(C.pcap_lib_version())
}
