//go:build linux && cgo

package purego

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
)

// blockingPoll is how often a handle opened without a timeout wakes up to
// notice a break request.
const blockingPoll = 100 * time.Millisecond

type liveSource struct {
	tp *afpacket.TPacket
}

func (s liveSource) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.tp.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, errPollTimeout
	}
	return data, ci, err
}

// openLive opens an AF_PACKET ring on device. "any" captures on every
// interface. promisc is not supported: the interface keeps its current mode.
func openLive(device string, snaplen int, promisc bool, timeoutMs int) (*handle, error) {
	if snaplen <= 0 {
		snaplen = defaultSnaplen
	}
	frameSize, blockSize, numBlocks, err := ringSize(defaultRingMB, snaplen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", device, err)
	}
	poll, block := time.Duration(timeoutMs)*time.Millisecond, false
	if timeoutMs <= 0 {
		poll, block = blockingPoll, true
	}
	ifname := device
	if ifname == "any" {
		ifname = ""
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(ifname),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(poll),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", device, err)
	}
	return &handle{
		src:      liveSource{tp: tp},
		close:    tp.Close,
		linkType: layers.LinkTypeEthernet,
		snaplen:  snaplen,
		block:    block,
		kernel:   tp.SetBPF,
	}, nil
}
