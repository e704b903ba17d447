//go:build pcapdebug

package pcap

// useAfterClose turns use of a closed session into a panic in builds tagged
// pcapdebug.
func useAfterClose(op string) {
	panic("pcap: " + op + " called on a closed session")
}
