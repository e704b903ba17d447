package pcap

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/net/bpf"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// NetmaskUnknown tells the compiler the netmask is unknown
// (PCAP_NETMASK_UNKNOWN). Expressions that test for IPv4 broadcast fail to
// compile with it.
const NetmaskUnknown uint32 = 0xffffffff

// Program is a compiled filter. It is only meaningful for the session it was
// compiled against; attaching it elsewhere is a caller error that is not
// checked here.
type Program struct {
	eng     native.Engine
	prog    native.Program
	expr    string
	session *Session
	logger  *slog.Logger

	released atomic.Bool
}

// Compile compiles expr against the link type and snapshot length of s. A
// failed compile returns an error and no Program, so there is never anything
// to release on the error path.
func Compile(s *Session, expr string, optimize bool, netmask uint32) (*Program, error) {
	if s == nil {
		return nil, &Error{Kind: ErrCompileFailed, Op: "pcap_compile", Expr: expr, Detail: NoDetail}
	}
	if s.closed.Load() {
		useAfterClose("Compile")
		return nil, fmt.Errorf("%w: expr=%q: %w", ErrCompileFailed, expr, ErrClosed)
	}
	rc, prog := s.eng.Compile(s.handle, expr, optimize, netmask)
	if rc != 0 || prog == nil {
		return nil, &Error{
			Kind:   ErrCompileFailed,
			Op:     "pcap_compile",
			Code:   rc,
			Expr:   expr,
			Detail: FromSession(s),
		}
	}
	p := &Program{
		eng:     s.eng,
		prog:    prog,
		expr:    expr,
		session: s,
		logger:  s.logger,
	}
	p.logger.Debug("filter compiled", "filter", expr, "optimize", optimize)
	return p, nil
}

// AttachTo installs the program on s. It is the same as s.AttachFilter(p).
func (p *Program) AttachTo(s *Session) error {
	return s.AttachFilter(p)
}

// Release frees the native program. It is idempotent and never fails: a
// failed compile or set may already have freed the native memory, so free
// errors are swallowed.
func (p *Program) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("native filter free failed, ignored", "filter", p.expr, "panic", r)
		}
	}()
	p.eng.FreeCode(p.prog)
}

// Released reports whether Release has been called.
func (p *Program) Released() bool {
	return p.released.Load()
}

// Session returns the session the program was compiled against.
func (p *Program) Session() *Session {
	return p.session
}

// Instructions copies the compiled BPF instructions.
func (p *Program) Instructions() ([]bpf.RawInstruction, error) {
	if p.released.Load() {
		return nil, ErrReleased
	}
	return p.eng.Instructions(p.prog), nil
}

// String returns the expression the program was compiled from.
func (p *Program) String() string {
	return p.expr
}
