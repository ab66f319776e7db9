package session

import (
	"time"

	"telecortex/protocol"
)

// Config is the closed set of per-session options spec.md §6 recognizes.
type Config struct {
	// MaxAckWindow bounds outstanding line-numbered commands; the
	// readiness predicate uses it.
	MaxAckWindow int

	// ChunkSize is the maximum formatted wire-line length, in bytes,
	// including the "N<n> " prefix, checksum, and terminator.
	ChunkSize int

	// OutBufBudget is the maximum bytes permitted in the transport's
	// write buffer before Ready reports false.
	OutBufBudget int

	// DoChecksum appends an XOR checksum to every emitted line.
	DoChecksum bool

	// IgnoreAcks disables ack_queue tracking entirely; readiness then
	// depends solely on OutBufBudget.
	IgnoreAcks bool

	// AckTimeout bounds how long SetLinenum and GetCID wait for their
	// own response before failing with ProtocolError. spec.md leaves
	// this an open question (§9.a); we resolve it with an explicit,
	// finite timeout rather than blocking forever.
	AckTimeout time.Duration

	// ErrorLeniency, when true, downgrades unknown/undocumented error
	// codes from fatal ProtocolError to a logged warning instead of
	// escalating (spec.md §9 "Unknown vs acknowledged error codes").
	ErrorLeniency bool

	// PumpPollInterval is how long the pre-emission wait loop and
	// SetLinenum/GetCID sleep between pump attempts.
	PumpPollInterval time.Duration

	// OnTelemetry, if set, is called with every parsed ";LOO:" line.
	// The manager package wires this to feed Prometheus gauges.
	OnTelemetry func(protocol.Telemetry)
}

// DefaultConfig returns the spec.md §3 defaults.
func DefaultConfig() Config {
	const chunkSize = 256
	return Config{
		MaxAckWindow:     5,
		ChunkSize:        chunkSize,
		OutBufBudget:     int(1.2 * float64(chunkSize)),
		DoChecksum:       true,
		AckTimeout:       5 * time.Second,
		PumpPollInterval: 2 * time.Millisecond,
	}
}
