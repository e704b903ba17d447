// Package libpcap binds the system libpcap through cgo. Importing it registers
// the engine as "libpcap", which native.Default prefers over every other
// engine.
//
// The binding is compiled only with cgo enabled and without the nopcap build
// tag; otherwise the package is empty and nothing is registered.
package libpcap
