package pcap

import (
	"bytes"
	"strings"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// NoDetail is reported when no diagnostic text can be retrieved.
const NoDetail = "(no detail)"

// FromSession returns the engine's last error text for s. It returns NoDetail
// when s is nil or closed, when the engine has nothing to say, or when the
// engine panics. It never panics itself.
func FromSession(s *Session) (msg string) {
	if s == nil || s.closed.Load() {
		return NoDetail
	}
	return lastError(s.eng, s.handle)
}

// FromBuffer returns the text held in a C error buffer: everything before the
// first NUL, with surrounding whitespace trimmed. It returns NoDetail for a
// nil, empty or blank buffer and never panics.
func FromBuffer(buf []byte) (msg string) {
	defer func() {
		if recover() != nil {
			msg = NoDetail
		}
	}()
	if len(buf) == 0 {
		return NoDetail
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	msg = strings.TrimSpace(strings.ToValidUTF8(string(buf), "?"))
	if msg == "" {
		return NoDetail
	}
	return msg
}

func lastError(eng native.Engine, h native.Handle) (msg string) {
	defer func() {
		if recover() != nil {
			msg = NoDetail
		}
	}()
	if eng == nil || h == nil {
		return NoDetail
	}
	msg = strings.TrimSpace(eng.GetErr(h))
	if msg == "" {
		return NoDetail
	}
	return msg
}
