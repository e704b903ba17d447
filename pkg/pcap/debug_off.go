//go:build !pcapdebug

package pcap

func useAfterClose(string) {}
