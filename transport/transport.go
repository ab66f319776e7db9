// Package transport abstracts the duplex byte stream a Session speaks
// over: a capability set of {in_waiting, out_waiting, read_available,
// write, reset_output, close}, with a serial implementation for real
// controllers and in-memory implementations for tests and dry runs.
package transport

import "time"

// Descriptor identifies how to open a transport: either a concrete
// device path, or a set of USB identity fields an Enumerator resolves
// to a path (see the discovery package).
type Descriptor struct {
	Path         string
	Baud         int
	ReadTimeout  time.Duration
	VendorID     string
	ProductID    string
	SerialNumber string
}

// Transport is the single capability set the core consumes, independent
// of what sits on the other end of it.
type Transport interface {
	// InWaiting reports bytes already received and buffered, not yet
	// consumed by ReadAvailable.
	InWaiting() (int, error)

	// OutWaiting reports bytes still sitting in the local write buffer,
	// not yet accepted by the far end.
	OutWaiting() (int, error)

	// ReadAvailable returns all currently buffered input without
	// blocking for more.
	ReadAvailable() ([]byte, error)

	// Write sends p, returning the number of bytes accepted.
	Write(p []byte) (int, error)

	// ResetOutput discards any buffered, unsent output.
	ResetOutput() error

	Close() error
}

// Opener opens a Transport for a Descriptor. Production code uses
// OpenSerialTransport; tests substitute a fake that returns a
// MemTransport or NullTransport.
type Opener func(Descriptor) (Transport, error)

// OpenSerialTransport is the default Opener, backed by a real serial
// port.
func OpenSerialTransport(d Descriptor) (Transport, error) {
	return OpenSerial(d)
}
