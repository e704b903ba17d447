package purego_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/native"
	"firestige.xyz/pcapguard/pkg/pcap/purego"
)

func udpFrame(t *testing.T, dport uint16) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		},
		&layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
			DstIP:    net.IPv4(10, 0, 0, 2).To4(),
		},
		&layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dport)},
		gopacket.Payload("hello"),
	)
	require.NoError(t, err)
	return append([]byte(nil), buf.Bytes()...)
}

// writeCapture writes frames to a classic pcap file, one second apart.
func writeCapture(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(int64(1700000000+i), 250000*1000),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return path
}

func open(t *testing.T, path string) *pcap.Session {
	t.Helper()
	s, err := pcap.OpenOffline(path, pcap.WithEngine(purego.New()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRegistered(t *testing.T) {
	e, err := native.Lookup(purego.Name)
	require.NoError(t, err)
	assert.Equal(t, "purego", e.Name())
}

func TestReadOffline(t *testing.T) {
	frames := [][]byte{udpFrame(t, 53), udpFrame(t, 123), udpFrame(t, 53)}
	s := open(t, writeCapture(t, frames...))

	assert.Equal(t, layers.LinkTypeEthernet, s.LinkType())
	assert.Equal(t, 65535, s.Snapshot())

	for i, want := range frames {
		r, err := s.PollNext()
		require.NoError(t, err)
		require.Equal(t, pcap.OutcomePacket, r.Outcome)
		assert.Equal(t, want, r.Data)

		h, err := r.Header.Decode()
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000+i), h.Seconds)
		assert.Equal(t, int64(250000), h.Microseconds)
		assert.Equal(t, uint32(len(want)), h.CaptureLength)
		assert.Equal(t, uint32(len(want)), h.Length)
	}

	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeEOF, r.Outcome)
}

func TestReadOfflineWithFilter(t *testing.T) {
	s := open(t, writeCapture(t, udpFrame(t, 53), udpFrame(t, 123), udpFrame(t, 53)))
	require.NoError(t, s.SetFilter("udp dst port 53", true, pcap.NetmaskUnknown))

	n := 0
	for {
		r, err := s.PollNext()
		require.NoError(t, err)
		if r.Outcome == pcap.OutcomeEOF {
			break
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestReadPcapNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	frame := udpFrame(t, 53)
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000, 0),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	s := open(t, path)
	r, err := s.PollNext()
	require.NoError(t, err)
	require.Equal(t, pcap.OutcomePacket, r.Outcome)
	assert.Equal(t, frame, r.Data)
}

func TestOpenOfflineErrors(t *testing.T) {
	_, err := pcap.OpenOffline(filepath.Join(t.TempDir(), "missing.pcap"), pcap.WithEngine(purego.New()))
	assert.ErrorIs(t, err, pcap.ErrOpenFailed)
	assert.Contains(t, err.Error(), "no such file or directory")

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a capture file"), 0o644))
	_, err = pcap.OpenOffline(junk, pcap.WithEngine(purego.New()))
	assert.ErrorIs(t, err, pcap.ErrOpenFailed)
	assert.Contains(t, err.Error(), "junk.pcap")

	empty := filepath.Join(t.TempDir(), "empty.pcap")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = pcap.OpenOffline(empty, pcap.WithEngine(purego.New()))
	assert.ErrorIs(t, err, pcap.ErrOpenFailed)
}

func TestTruncatedRecord(t *testing.T) {
	path := writeCapture(t, udpFrame(t, 53), udpFrame(t, 53))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	s := open(t, path)
	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomePacket, r.Outcome)

	r, err = s.PollNext()
	assert.Equal(t, pcap.OutcomeError, r.Outcome)
	assert.ErrorIs(t, err, pcap.ErrPollFailed)
	assert.Contains(t, err.Error(), "truncated")
}

func TestCompileErrorsCarryExpression(t *testing.T) {
	s := open(t, writeCapture(t))
	_, err := pcap.Compile(s, "tcp port", true, pcap.NetmaskUnknown)
	assert.ErrorIs(t, err, pcap.ErrCompileFailed)
	assert.Contains(t, err.Error(), `"tcp port"`)
	assert.NotContains(t, err.Error(), pcap.NoDetail)
}

func TestDumpRoundTrip(t *testing.T) {
	frames := [][]byte{udpFrame(t, 53), udpFrame(t, 123)}
	src := open(t, writeCapture(t, frames...))
	out := filepath.Join(t.TempDir(), "out.pcap")

	d, err := src.NewDumper(out)
	require.NoError(t, err)
	for {
		r, err := src.PollNext()
		require.NoError(t, err)
		if r.Outcome == pcap.OutcomeEOF {
			break
		}
		require.NoError(t, d.WriteResult(r))
	}
	require.NoError(t, d.Flush())
	d.Close()

	s := open(t, out)
	for i, want := range frames {
		r, err := s.PollNext()
		require.NoError(t, err)
		require.Equal(t, pcap.OutcomePacket, r.Outcome)
		assert.Equal(t, want, r.Data)
		assert.Equal(t, int64(1700000000+i), r.Header.Seconds())
	}
}

func TestDeadSession(t *testing.T) {
	s, err := pcap.OpenDead(layers.LinkTypeEthernet, 1500, pcap.WithEngine(purego.New()))
	require.NoError(t, err)
	defer s.Close()

	p, err := pcap.Compile(s, "tcp port 80", true, pcap.NetmaskUnknown)
	require.NoError(t, err)
	defer p.Release()
	ins, err := p.Instructions()
	require.NoError(t, err)
	assert.NotEmpty(t, ins)
	assert.Equal(t, uint32(1500), ins[len(ins)-2].K, "accept returns the snapshot length")

	_, err = s.PollNext()
	assert.ErrorIs(t, err, pcap.ErrPollFailed)

	err = s.AttachFilter(p)
	assert.ErrorIs(t, err, pcap.ErrSetFilterFailed)
}

func TestBreakPollOffline(t *testing.T) {
	s := open(t, writeCapture(t, udpFrame(t, 53), udpFrame(t, 53)))
	s.BreakPoll()

	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeEOF, r.Outcome)

	// the break is consumed; reading continues
	r, err = s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomePacket, r.Outcome)
}

func TestLookupNetUnknownDevice(t *testing.T) {
	_, _, err := pcap.LookupNet("nosuchdev0", pcap.WithEngine(purego.New()))
	assert.ErrorIs(t, err, pcap.ErrLookupFailed)
	assert.Contains(t, err.Error(), "nosuchdev0")
}

func TestFindAllDevsMatchesInterfaces(t *testing.T) {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)

	devs, err := pcap.FindAllDevs(pcap.WithEngine(purego.New()))
	require.NoError(t, err)
	require.Len(t, devs, len(ifaces))
	for i, ifc := range ifaces {
		assert.Equal(t, ifc.Name, devs[i].Name)
		assert.Equal(t, ifc.Flags&net.FlagLoopback != 0, devs[i].Flags&native.IfLoopback != 0, ifc.Name)
	}
}

func TestLibVersion(t *testing.T) {
	v, err := pcap.LibVersion(pcap.WithEngine(purego.New()))
	require.NoError(t, err)
	assert.Contains(t, v, "purego")
}
