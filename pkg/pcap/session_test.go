package pcap_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/native"
	"firestige.xyz/pcapguard/pkg/pcap/pcaptest"
)

func openFake(t *testing.T, eng *pcaptest.Engine) *pcap.Session {
	t.Helper()
	s, err := pcap.OpenOffline("test.pcap", pcap.WithEngine(eng))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpenOfflineFailureCarriesErrbuf(t *testing.T) {
	eng := pcaptest.New()
	eng.OpenError = "missing.pcap: No such file or directory"

	s, err := pcap.OpenOffline("missing.pcap", pcap.WithEngine(eng))
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, pcap.ErrOpenFailed)

	var pe *pcap.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "pcap_open_offline", pe.Op)
	assert.Equal(t, "missing.pcap: No such file or directory", pe.Detail)
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestOpenLiveFailure(t *testing.T) {
	eng := pcaptest.New()
	eng.OpenError = "nosuchdev0: No such device exists"

	_, err := pcap.OpenLive("nosuchdev0", 65535, false, time.Second, pcap.WithEngine(eng))
	assert.ErrorIs(t, err, pcap.ErrOpenFailed)
	assert.Contains(t, err.Error(), "No such device")
}

func TestOpenRejectsInvalidLayout(t *testing.T) {
	_, err := pcap.OpenOffline("x.pcap",
		pcap.WithEngine(pcaptest.New()),
		pcap.WithLayout(native.Layout{Size: 3, SecondsSize: 5}))
	assert.ErrorIs(t, err, pcap.ErrOpenFailed)
}

func TestPollNextOutcomes(t *testing.T) {
	eng := pcaptest.New(
		pcaptest.Packet(1234, 5678, []byte{0xde, 0xad, 0xbe, 0xef}),
		pcaptest.Timeout(),
		pcaptest.Packet(1235, 0, []byte{0x01}),
	)
	s := openFake(t, eng)

	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomePacket, r.Outcome)
	assert.Equal(t, int64(1234), r.Header.Seconds())
	assert.Equal(t, int64(5678), r.Header.Microseconds())
	assert.Equal(t, uint32(4), r.Header.CaptureLength())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, r.Data)

	r, err = s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeTimeout, r.Outcome)
	assert.Nil(t, r.Data)

	r, err = s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomePacket, r.Outcome)

	r, err = s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeEOF, r.Outcome)

	assert.Equal(t, 4, eng.Calls("NextEx"))
}

func TestPollNextEmptyFile(t *testing.T) {
	s := openFake(t, pcaptest.New())
	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeEOF, r.Outcome)
}

func TestPollNextError(t *testing.T) {
	eng := pcaptest.New(pcaptest.Fail("truncated dump file; tried to read 16 header bytes, only got 3"))
	s := openFake(t, eng)

	r, err := s.PollNext()
	assert.Equal(t, pcap.OutcomeError, r.Outcome)
	assert.ErrorIs(t, err, pcap.ErrPollFailed)
	assert.Contains(t, err.Error(), "truncated dump file")

	var pe *pcap.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, native.NextError, pe.Code)

	assert.False(t, s.Closed(), "poll failure must not close the session")
}

func TestPollNextShortHeaderRecord(t *testing.T) {
	st := pcaptest.Packet(1, 1, []byte{1})
	st.RawHeader = []byte{1, 2, 3}
	s := openFake(t, pcaptest.New(st))

	_, err := s.PollNext()
	assert.ErrorIs(t, err, pcap.ErrPollFailed)
}

func TestHeaderLayoutOverride(t *testing.T) {
	eng := pcaptest.New(pcaptest.Packet(7, 8, []byte{1, 2}))
	eng.Layout = native.LayoutILP32

	s, err := pcap.OpenOffline("x.pcap", pcap.WithEngine(eng))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, native.LayoutILP32, s.Layout())

	r, err := s.PollNext()
	require.NoError(t, err)
	h, err := r.Header.Decode()
	require.NoError(t, err)
	assert.Equal(t, pcap.Header{Seconds: 7, Microseconds: 8, CaptureLength: 2, Length: 2}, h)
}

func TestCloseIsIdempotent(t *testing.T) {
	eng := pcaptest.New()
	s, err := pcap.OpenOffline("x.pcap", pcap.WithEngine(eng))
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
	assert.Equal(t, 1, eng.Calls("Close"))

	var nilSession *pcap.Session
	assert.NotPanics(t, nilSession.Close)
}

func TestCloseSwallowsEnginePanic(t *testing.T) {
	eng := pcaptest.New()
	eng.Panics = []string{"Close"}
	s, err := pcap.OpenOffline("x.pcap", pcap.WithEngine(eng))
	require.NoError(t, err)

	assert.NotPanics(t, s.Close)
	assert.True(t, s.Closed())
	assert.NotPanics(t, s.Close)
	assert.Equal(t, 1, eng.Calls("Close"))
}

func TestBreakPoll(t *testing.T) {
	eng := pcaptest.New(pcaptest.Timeout(), pcaptest.Timeout(), pcaptest.Timeout())
	s, err := pcap.OpenLive("eth0", 65535, true, 10*time.Millisecond, pcap.WithEngine(eng))
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Live())

	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeTimeout, r.Outcome)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.BreakPoll()
	}()
	wg.Wait()

	r, err = s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomeEOF, r.Outcome)
}

func TestBreakPollInterruptsBlockedPoll(t *testing.T) {
	eng := pcaptest.New(pcaptest.Block(), pcaptest.Packet(1, 0, []byte{1}))
	s, err := pcap.OpenLive("eth0", 65535, false, 0, pcap.WithEngine(eng))
	require.NoError(t, err)
	defer s.Close()

	type polled struct {
		r   pcap.Result
		err error
	}
	done := make(chan polled, 1)
	go func() {
		r, err := s.PollNext()
		done <- polled{r, err}
	}()

	select {
	case <-eng.Blocked():
	case <-time.After(5 * time.Second):
		t.Fatal("PollNext never blocked")
	}
	select {
	case <-done:
		t.Fatal("PollNext returned before BreakPoll")
	default:
	}

	s.BreakPoll()

	select {
	case p := <-done:
		require.NoError(t, p.err)
		assert.Equal(t, pcap.OutcomeEOF, p.r.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("PollNext still blocked after BreakPoll")
	}

	// the session stays usable after a break
	r, err := s.PollNext()
	require.NoError(t, err)
	assert.Equal(t, pcap.OutcomePacket, r.Outcome)
}

func TestBreakPollAfterCloseIsNoop(t *testing.T) {
	eng := pcaptest.New()
	s := openFake(t, eng)
	s.Close()

	assert.NotPanics(t, s.BreakPoll)
	assert.Equal(t, 0, eng.Calls("BreakLoop"))
}

func TestConcurrentBreakAndClose(t *testing.T) {
	eng := pcaptest.New()
	s, err := pcap.OpenLive("eth0", 65535, false, time.Millisecond, pcap.WithEngine(eng))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.BreakPoll()
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, eng.Calls("Close"))
}

func TestSessionAccessors(t *testing.T) {
	eng := pcaptest.New()
	s, err := pcap.OpenDead(layers.LinkTypeEthernet, 1500, pcap.WithEngine(eng))
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, layers.LinkTypeEthernet, s.LinkType())
	assert.Equal(t, 1500, s.Snapshot())
	assert.False(t, s.Live())
	assert.Equal(t, "pcaptest", s.Engine().Name())

	s.Close()
	assert.Equal(t, layers.LinkTypeNull, s.LinkType())
	assert.Equal(t, 0, s.Snapshot())
}

func TestPacketSourceInterop(t *testing.T) {
	eth := []byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55,
		0x08, 0x06,
	}
	eng := pcaptest.New(pcaptest.Timeout(), pcaptest.Packet(100, 5, eth))
	s := openFake(t, eng)

	_, _, err := s.ReadPacketData()
	assert.ErrorIs(t, err, pcap.ErrTimeout)

	data, ci, err := s.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, eth, data)
	assert.Equal(t, time.Unix(100, 5000), ci.Timestamp)

	_, _, err = s.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	ethLayer, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, layers.EthernetTypeARP, ethLayer.EthernetType)
}

func TestLookupNet(t *testing.T) {
	eng := pcaptest.New()
	eng.Network, eng.Netmask = 0xc0a80100, 0xffffff00

	network, netmask, err := pcap.LookupNet("eth0", pcap.WithEngine(eng))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xc0a80100), network)
	assert.Equal(t, uint32(0xffffff00), netmask)

	eng.LookupError = "eth9: no IPv4 address assigned"
	_, _, err = pcap.LookupNet("eth9", pcap.WithEngine(eng))
	assert.ErrorIs(t, err, pcap.ErrLookupFailed)
	assert.Contains(t, err.Error(), "no IPv4 address")
}

func TestFindAllDevs(t *testing.T) {
	eng := pcaptest.New()
	eng.Devices = []native.Interface{
		{Name: "eth0", Flags: native.IfUp | native.IfRunning},
		{Name: "lo", Description: "loopback", Flags: native.IfLoopback | native.IfUp},
	}

	devs, err := pcap.FindAllDevs(pcap.WithEngine(eng))
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "eth0", devs[0].Name)
	assert.Equal(t, "loopback", devs[1].Description)

	eng.FindDevsError = "no suitable device found"
	_, err = pcap.FindAllDevs(pcap.WithEngine(eng))
	assert.ErrorIs(t, err, pcap.ErrLookupFailed)
	assert.Contains(t, err.Error(), "no suitable device")
}

func TestLibVersion(t *testing.T) {
	v, err := pcap.LibVersion(pcap.WithEngine(pcaptest.New()))
	require.NoError(t, err)
	assert.Equal(t, "pcaptest version 1.0", v)
}
