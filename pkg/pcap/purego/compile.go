package purego

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

// defaultSnaplen is what a filter returns for accepted packets when the
// handle has no snapshot length.
const defaultSnaplen = 262144

const netmaskUnknown = 0xffffffff

// link describes where the network header starts for a link type.
type link struct {
	// typeOff is the offset of the 16-bit ethertype, -1 for raw IP links where
	// the version nibble tells IPv4 and IPv6 apart.
	typeOff int
	nl      uint32
}

func linkFor(lt layers.LinkType) (link, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return link{typeOff: 12, nl: 14}, nil
	case layers.LinkTypeLinuxSLL:
		return link{typeOff: 14, nl: 16}, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return link{typeOff: -1, nl: 0}, nil
	}
	return link{}, fmt.Errorf("link type %s not supported by the filter compiler", lt)
}

// node is a boolean expression over packet bytes.
type node interface{}

type (
	andNode   struct{ l, r node }
	orNode    struct{ l, r node }
	notNode   struct{ x node }
	constNode bool
)

type loadKind int

const (
	loadAbs loadKind = iota
	// loadInd loads relative to the IPv4 header length found at xoff.
	loadInd
	loadLen
)

// leaf loads a value and compares it against val.
type leaf struct {
	load loadKind
	off  uint32
	size int
	xoff uint32
	// mask is ANDed into the value first when non-zero.
	mask uint32
	cond bpf.JumpTest
	val  uint32
}

func eq(off uint32, size int, val uint32) node {
	return leaf{load: loadAbs, off: off, size: size, cond: bpf.JumpEqual, val: val}
}

func and(nodes ...node) node {
	n := nodes[0]
	for _, r := range nodes[1:] {
		n = andNode{n, r}
	}
	return n
}

func or(nodes ...node) node {
	n := nodes[0]
	for _, r := range nodes[1:] {
		n = orNode{n, r}
	}
	return n
}

// compileFilter turns a tcpdump style expression into a BPF program for the
// given link type. Accepted packets are truncated to snaplen.
func compileFilter(expr string, lt layers.LinkType, snaplen int, netmask uint32) ([]bpf.Instruction, error) {
	if snaplen <= 0 {
		snaplen = defaultSnaplen
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return []bpf.Instruction{bpf.RetConstant{Val: uint32(snaplen)}}, nil
	}
	lk, err := linkFor(lt)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, link: lk, netmask: netmask}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("syntax error near '%s'", p.toks[p.pos])
	}
	return generate(root, uint32(snaplen))
}

func tokenize(expr string) ([]string, error) {
	var toks []string
	s := strings.ToLower(expr)
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == '!':
			toks = append(toks, string(c))
			i++
		case strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"):
			toks = append(toks, s[i:i+2])
			i += 2
		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			return nil, fmt.Errorf("syntax error: unexpected character '%c'", c)
		}
	}
	return toks, nil
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
		c == '.' || c == ':' || c == '/' || c == '-' || c == '_'
}

type direction int

const (
	dirAny direction = iota
	dirSrc
	dirDst
	dirBoth
)

type parser struct {
	toks    []string
	pos     int
	link    link
	netmask uint32
}

func (p *parser) peek(n int) string {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek(0)
	if t != "" {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for t := p.peek(0); t == "or" || t == "||"; t = p.peek(0) {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(0); t == "and" || t == "&&"; t = p.peek(0) {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.peek(0) {
	case "not", "!":
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x}, nil
	case "(":
		p.next()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("syntax error: missing ')'")
		}
		return x, nil
	}
	return p.parsePrimitive()
}

func (p *parser) parsePrimitive() (node, error) {
	tok := p.next()
	switch tok {
	case "":
		return nil, fmt.Errorf("syntax error: unexpected end of expression")
	case "less", "greater":
		n, err := parseUint(p.next(), 0xffffffff)
		if err != nil {
			return nil, err
		}
		cond := bpf.JumpLessOrEqual
		if tok == "greater" {
			cond = bpf.JumpGreaterOrEqual
		}
		return leaf{load: loadLen, cond: cond, val: n}, nil
	case "ip", "ip6", "arp", "tcp", "udp", "sctp", "icmp", "icmp6":
		switch p.peek(0) {
		case "src", "dst", "host", "net", "port", "portrange":
			return p.parseQualified(tok)
		case "broadcast":
			p.next()
			return p.broadcast(tok)
		}
		return p.protocol(tok), nil
	case "src", "dst", "host", "net", "port", "portrange":
		p.pos--
		return p.parseQualified("")
	}
	return nil, fmt.Errorf("syntax error near '%s'", tok)
}

func (p *parser) parseQualified(proto string) (node, error) {
	dir := dirAny
	switch p.peek(0) {
	case "src", "dst":
		if p.next() == "src" {
			dir = dirSrc
		} else {
			dir = dirDst
		}
		if p.peek(1) == "dst" && (p.peek(0) == "or" || p.peek(0) == "and") {
			if p.next() == "or" {
				dir = dirAny
			} else {
				dir = dirBoth
			}
			p.next()
		}
	}
	kind := "host"
	switch p.peek(0) {
	case "host", "net", "port", "portrange":
		kind = p.next()
	default:
		if dir == dirAny {
			return nil, fmt.Errorf("syntax error near '%s'", p.peek(0))
		}
	}
	value := p.next()
	if value == "" {
		return nil, fmt.Errorf("syntax error: %s needs a value", kind)
	}
	switch kind {
	case "host":
		return p.host(proto, dir, value)
	case "net":
		if p.peek(0) == "mask" {
			p.next()
			value += "/" + p.next()
		}
		return p.network(proto, dir, value)
	case "port":
		n, err := parseUint(value, 0xffff)
		if err != nil {
			return nil, err
		}
		return p.portRange(proto, dir, n, n)
	default:
		lo, hi, ok := strings.Cut(value, "-")
		if !ok {
			return nil, fmt.Errorf("illegal port range '%s'", value)
		}
		l, err := parseUint(lo, 0xffff)
		if err != nil {
			return nil, err
		}
		h, err := parseUint(hi, 0xffff)
		if err != nil {
			return nil, err
		}
		if l > h {
			l, h = h, l
		}
		return p.portRange(proto, dir, l, h)
	}
}

func parseUint(s string, max uint32) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || uint32(n) > max {
		return 0, fmt.Errorf("illegal number '%s'", s)
	}
	return uint32(n), nil
}

func (p *parser) ethertype(t uint32, version uint32) node {
	if p.link.typeOff >= 0 {
		return eq(uint32(p.link.typeOff), 2, t)
	}
	if version == 0 {
		return constNode(false)
	}
	return leaf{load: loadAbs, off: 0, size: 1, mask: 0xf0, cond: bpf.JumpEqual, val: version}
}

func (p *parser) ip() node  { return p.ethertype(0x0800, 0x40) }
func (p *parser) ip6() node { return p.ethertype(0x86dd, 0x60) }
func (p *parser) arp() node { return p.ethertype(0x0806, 0) }

func (p *parser) ipProto(v uint32) node  { return and(p.ip(), eq(p.link.nl+9, 1, v)) }
func (p *parser) ip6Proto(v uint32) node { return and(p.ip6(), eq(p.link.nl+6, 1, v)) }

var protoNumbers = map[string]uint32{"tcp": 6, "udp": 17, "sctp": 132}

func (p *parser) protocol(name string) node {
	switch name {
	case "ip":
		return p.ip()
	case "ip6":
		return p.ip6()
	case "arp":
		return p.arp()
	case "icmp":
		return p.ipProto(1)
	case "icmp6":
		return p.ip6Proto(58)
	}
	v := protoNumbers[name]
	return or(p.ipProto(v), p.ip6Proto(v))
}

func match(dir direction, src, dst node) node {
	switch dir {
	case dirSrc:
		return src
	case dirDst:
		return dst
	case dirBoth:
		return and(src, dst)
	}
	return or(src, dst)
}

func (p *parser) host(proto string, dir direction, value string) (node, error) {
	addr := net.ParseIP(value)
	if addr == nil {
		return nil, fmt.Errorf("unknown host '%s'", value)
	}
	nl := p.link.nl
	if a4 := addr.To4(); a4 != nil {
		v := binary.BigEndian.Uint32(a4)
		ipm := and(p.ip(), match(dir, eq(nl+12, 4, v), eq(nl+16, 4, v)))
		arpm := and(p.arp(), match(dir, eq(nl+14, 4, v), eq(nl+24, 4, v)))
		switch proto {
		case "":
			return or(ipm, arpm), nil
		case "ip":
			return ipm, nil
		case "arp":
			return arpm, nil
		}
		return nil, fmt.Errorf("'%s' modifier applied to host %s", proto, value)
	}
	if proto != "" && proto != "ip6" {
		return nil, fmt.Errorf("'%s' modifier applied to host %s", proto, value)
	}
	a16 := addr.To16()
	return and(p.ip6(), match(dir, words6(nl+8, a16, 128), words6(nl+24, a16, 128))), nil
}

// words6 compares the first prefix bits of the IPv6 address at off.
func words6(off uint32, addr net.IP, prefix int) node {
	var checks []node
	for i := 0; i < 4 && prefix > 0; i++ {
		bits := min(prefix, 32)
		prefix -= bits
		mask := uint32(0xffffffff) << (32 - bits)
		w := binary.BigEndian.Uint32(addr[i*4:])
		l := leaf{load: loadAbs, off: off + uint32(i*4), size: 4, cond: bpf.JumpEqual, val: w & mask}
		if mask != 0xffffffff {
			l.mask = mask
		}
		checks = append(checks, l)
	}
	if len(checks) == 0 {
		return constNode(true)
	}
	return and(checks...)
}

func (p *parser) network(proto string, dir direction, value string) (node, error) {
	ipnet, err := parseNet(value)
	if err != nil {
		return nil, err
	}
	nl := p.link.nl
	ones, bits := ipnet.Mask.Size()
	if bits == 0 {
		return nil, fmt.Errorf("non-contiguous netmask in '%s'", value)
	}
	if bits == 32 {
		addr := binary.BigEndian.Uint32(ipnet.IP.To4())
		mask := binary.BigEndian.Uint32(ipnet.Mask)
		at := func(off uint32) node {
			if ones == 0 {
				return constNode(true)
			}
			l := leaf{load: loadAbs, off: off, size: 4, cond: bpf.JumpEqual, val: addr}
			if mask != 0xffffffff {
				l.mask = mask
			}
			return l
		}
		ipm := and(p.ip(), match(dir, at(nl+12), at(nl+16)))
		arpm := and(p.arp(), match(dir, at(nl+14), at(nl+24)))
		switch proto {
		case "":
			return or(ipm, arpm), nil
		case "ip":
			return ipm, nil
		case "arp":
			return arpm, nil
		}
		return nil, fmt.Errorf("'%s' modifier applied to net %s", proto, value)
	}
	if proto != "" && proto != "ip6" {
		return nil, fmt.Errorf("'%s' modifier applied to net %s", proto, value)
	}
	return and(p.ip6(), match(dir, words6(nl+8, ipnet.IP, ones), words6(nl+24, ipnet.IP, ones))), nil
}

func parseNet(value string) (*net.IPNet, error) {
	addr, suffix, hasSuffix := strings.Cut(value, "/")
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid network address '%s'", addr)
	}
	var mask net.IPMask
	switch {
	case !hasSuffix && ip.To4() != nil:
		mask = net.CIDRMask(32, 32)
	case !hasSuffix:
		mask = net.CIDRMask(128, 128)
	case strings.Contains(suffix, "."):
		m := net.ParseIP(suffix).To4()
		if m == nil {
			return nil, fmt.Errorf("invalid netmask '%s'", suffix)
		}
		mask = net.IPMask(m)
	default:
		n, err := strconv.Atoi(suffix)
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		if err != nil || n < 0 || n > bits {
			return nil, fmt.Errorf("invalid prefix length '%s'", suffix)
		}
		mask = net.CIDRMask(n, bits)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if len(ip) != len(mask) {
		return nil, fmt.Errorf("mask length mismatch for '%s'", value)
	}
	if !ip.Mask(mask).Equal(ip) {
		return nil, fmt.Errorf("non-network bits set in '%s'", value)
	}
	return &net.IPNet{IP: ip, Mask: mask}, nil
}

func (p *parser) portRange(proto string, dir direction, lo, hi uint32) (node, error) {
	var protos []uint32
	switch proto {
	case "":
		protos = []uint32{6, 17, 132}
	case "tcp", "udp", "sctp":
		protos = []uint32{protoNumbers[proto]}
	default:
		return nil, fmt.Errorf("'%s' modifier applied to port", proto)
	}
	nl := p.link.nl
	cmp := func(mk func(cond bpf.JumpTest, val uint32) leaf) node {
		if lo == hi {
			return mk(bpf.JumpEqual, lo)
		}
		return and(mk(bpf.JumpGreaterOrEqual, lo), mk(bpf.JumpLessOrEqual, hi))
	}
	v4port := func(off uint32) node {
		return cmp(func(cond bpf.JumpTest, val uint32) leaf {
			return leaf{load: loadInd, off: nl + off, size: 2, xoff: nl, cond: cond, val: val}
		})
	}
	v6port := func(off uint32) node {
		return cmp(func(cond bpf.JumpTest, val uint32) leaf {
			return leaf{load: loadAbs, off: nl + 40 + off, size: 2, cond: cond, val: val}
		})
	}
	var v4, v6 []node
	for _, n := range protos {
		v4 = append(v4, eq(nl+9, 1, n))
		v6 = append(v6, eq(nl+6, 1, n))
	}
	// only the first fragment carries the transport header
	unfragmented := notNode{leaf{load: loadAbs, off: nl + 6, size: 2, cond: bpf.JumpBitsSet, val: 0x1fff}}
	return or(
		and(p.ip(), or(v4...), unfragmented, match(dir, v4port(0), v4port(2))),
		and(p.ip6(), or(v6...), match(dir, v6port(0), v6port(2))),
	), nil
}

func (p *parser) broadcast(proto string) (node, error) {
	if proto != "ip" {
		return nil, fmt.Errorf("only 'ip broadcast' is supported")
	}
	if p.netmask == netmaskUnknown {
		return nil, fmt.Errorf("netmask not known, so 'ip broadcast' not supported")
	}
	host := ^p.netmask
	dst := p.link.nl + 16
	return and(p.ip(), or(
		leaf{load: loadAbs, off: dst, size: 4, mask: host, cond: bpf.JumpEqual, val: host},
		leaf{load: loadAbs, off: dst, size: 4, mask: host, cond: bpf.JumpEqual, val: 0},
	)), nil
}

type insn struct {
	ins bpf.Instruction
	// conditional jumps carry label targets, resolved by generate
	cond   bpf.JumpTest
	val    uint32
	jt, jf int
	ja     int
}

type generator struct {
	code   []insn
	labels []int
}

func (g *generator) label() int {
	g.labels = append(g.labels, -1)
	return len(g.labels) - 1
}

func (g *generator) bind(l int) { g.labels[l] = len(g.code) }

func (g *generator) emit(ins bpf.Instruction) {
	g.code = append(g.code, insn{ins: ins, jt: -1, jf: -1, ja: -1})
}

func (g *generator) node(n node, t, f int) {
	switch n := n.(type) {
	case andNode:
		mid := g.label()
		g.node(n.l, mid, f)
		g.bind(mid)
		g.node(n.r, t, f)
	case orNode:
		mid := g.label()
		g.node(n.l, t, mid)
		g.bind(mid)
		g.node(n.r, t, f)
	case notNode:
		g.node(n.x, f, t)
	case constNode:
		target := f
		if n {
			target = t
		}
		g.code = append(g.code, insn{jt: -1, jf: -1, ja: target})
	case leaf:
		switch n.load {
		case loadAbs:
			g.emit(bpf.LoadAbsolute{Off: n.off, Size: n.size})
		case loadInd:
			g.emit(bpf.LoadMemShift{Off: n.xoff})
			g.emit(bpf.LoadIndirect{Off: n.off, Size: n.size})
		case loadLen:
			g.emit(bpf.LoadExtension{Num: bpf.ExtLen})
		}
		if n.mask != 0 {
			g.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: n.mask})
		}
		g.code = append(g.code, insn{cond: n.cond, val: n.val, jt: t, jf: f, ja: -1})
	default:
		panic(fmt.Sprintf("purego: unknown filter node %T", n))
	}
}

func generate(root node, snaplen uint32) ([]bpf.Instruction, error) {
	g := &generator{}
	accept, reject := g.label(), g.label()
	g.node(root, accept, reject)
	g.bind(accept)
	g.emit(bpf.RetConstant{Val: snaplen})
	g.bind(reject)
	g.emit(bpf.RetConstant{Val: 0})

	out := make([]bpf.Instruction, len(g.code))
	for i, c := range g.code {
		switch {
		case c.ja >= 0:
			out[i] = bpf.Jump{Skip: uint32(g.labels[c.ja] - i - 1)}
		case c.jt >= 0:
			st, sf := g.labels[c.jt]-i-1, g.labels[c.jf]-i-1
			if st > 255 || sf > 255 {
				return nil, fmt.Errorf("expression too complex: jump of %d instructions", max(st, sf))
			}
			out[i] = bpf.JumpIf{Cond: c.cond, Val: c.val, SkipTrue: uint8(st), SkipFalse: uint8(sf)}
		default:
			out[i] = c.ins
		}
	}
	return out, nil
}
