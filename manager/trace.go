package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"telecortex/protocol"
)

// tracedSubmission is one recorded Submit call, serialized as one JSON
// object per line.
type tracedSubmission struct {
	ControllerID string         `json:"controller_id"`
	Opcode       string         `json:"opcode"`
	Args         []protocol.Arg `json:"args,omitempty"`
	Payload      string         `json:"payload,omitempty"`
}

// TraceManager implements FrameSink by recording every submission to an
// io.Writer instead of driving real hardware — the Go equivalent of
// session.py's TeleCortexCacheManager, used to capture a fleet-wide
// command trace for later replay or offline inspection.
type TraceManager struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// NewTraceManager wraps out; every Submit call appends one JSON line.
func NewTraceManager(out io.Writer) *TraceManager {
	return &TraceManager{out: out, enc: json.NewEncoder(out)}
}

func (tm *TraceManager) Submit(controllerID string, opcode string, args []protocol.Arg, payload string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if err := tm.enc.Encode(tracedSubmission{
		ControllerID: controllerID,
		Opcode:       opcode,
		Args:         args,
		Payload:      payload,
	}); err != nil {
		return fmt.Errorf("trace submit: %w", err)
	}
	return nil
}

// WaitIdle is a no-op: a trace never has anything in flight.
func (tm *TraceManager) WaitIdle() {}

// AnyAlive always reports true: a trace sink is always accepting
// submissions until Shutdown.
func (tm *TraceManager) AnyAlive() bool { return true }

func (tm *TraceManager) Shutdown() {
	if closer, ok := tm.out.(io.Closer); ok {
		_ = closer.Close()
	}
}
