package pcap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/pcaptest"
)

func TestFromBuffer(t *testing.T) {
	padded := make([]byte, 256)
	copy(padded, "pcap-error\n")

	tests := []struct {
		name string
		buf  []byte
		want string
	}{
		{name: "nil", buf: nil, want: pcap.NoDetail},
		{name: "empty", buf: []byte{}, want: pcap.NoDetail},
		{name: "all nul", buf: make([]byte, 16), want: pcap.NoDetail},
		{name: "blank", buf: []byte("  \t\n\x00"), want: pcap.NoDetail},
		{name: "padded", buf: padded, want: "pcap-error"},
		{name: "no terminator", buf: []byte("eth0: no such device"), want: "eth0: no such device"},
		{name: "text after nul", buf: []byte("first\x00second"), want: "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pcap.FromBuffer(tt.buf))
		})
	}
}

func TestFromSession(t *testing.T) {
	assert.Equal(t, pcap.NoDetail, pcap.FromSession(nil))

	eng := pcaptest.New()
	eng.ErrText = "  bad handle  "
	s, err := pcap.OpenOffline("x.pcap", pcap.WithEngine(eng))
	require.NoError(t, err)

	assert.Equal(t, "bad handle", pcap.FromSession(s))

	s.Close()
	assert.Equal(t, pcap.NoDetail, pcap.FromSession(s))
}

func TestFromSessionEmptyAndPanicking(t *testing.T) {
	eng := pcaptest.New()
	s, err := pcap.OpenOffline("x.pcap", pcap.WithEngine(eng))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, pcap.NoDetail, s.LastError())

	eng.Panics = []string{"GetErr"}
	assert.NotPanics(t, func() {
		assert.Equal(t, pcap.NoDetail, pcap.FromSession(s))
	})
}
