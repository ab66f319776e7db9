package session

import "fmt"

// TransportError wraps an I/O failure on the underlying Transport. A
// Session that returns one is finished; the owning Worker exits and the
// Manager may respawn.
type TransportError struct {
	ControllerID string
	Op           string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("controller %s: transport %s: %v", e.ControllerID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an unrecoverable protocol violation: a malformed
// handshake response, a set_linenum that never acks, or a fatal
// controller error code.
type ProtocolError struct {
	ControllerID string
	LineNum      uint64
	Opcode       string
	Code         int
	Detail       string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("controller %s: line %d (%s): protocol error E%d: %s",
			e.ControllerID, e.LineNum, e.Opcode, e.Code, e.Detail)
	}
	return fmt.Sprintf("controller %s: line %d (%s): protocol error: %s",
		e.ControllerID, e.LineNum, e.Opcode, e.Detail)
}

// BackpressureRetryExhausted is returned by Manager.Submit when a
// controller's inbound queue stayed full past the configured retry cap.
type BackpressureRetryExhausted struct {
	ControllerID string
	Retries      int
}

func (e *BackpressureRetryExhausted) Error() string {
	return fmt.Sprintf("controller %s: submit retry cap (%d) exhausted: queue still full", e.ControllerID, e.Retries)
}
