//go:build !linux || !cgo

package purego

import "fmt"

func openLive(device string, snaplen int, promisc bool, timeoutMs int) (*handle, error) {
	return nil, fmt.Errorf("%s: live capture needs AF_PACKET (linux with cgo) or the libpcap engine", device)
}
