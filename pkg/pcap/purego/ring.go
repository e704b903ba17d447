package purego

import (
	"fmt"
)

// defaultRingMB is the AF_PACKET ring size used for live handles.
const defaultRingMB = 8

// ringSize picks frame size, block size and block count for an AF_PACKET
// PACKET_MMAP ring of roughly ringMB megabytes. The kernel requires:
//
//  1. frameSize is a multiple of TPACKET_ALIGNMENT (16)
//  2. blockSize is a multiple of the page size
//  3. blockSize is a multiple of frameSize
func ringSize(ringMB, snaplen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if ringMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ring size must be positive, got %d MB", ringMB)
	}
	if snaplen <= 0 {
		return 0, 0, 0, fmt.Errorf("snaplen must be positive, got %d", snaplen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snaplen, tpacketAlignment)

	const maxBlockSize = 4 << 20
	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// pad frames to whole pages so one frame is a valid block
		frameSize = alignUp(frameSize, pageSize)
		blockSize = frameSize
	}

	numBlocks = max((ringMB<<20)/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
