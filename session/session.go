// Package session implements the per-controller protocol state machine:
// line numbering, the outstanding-ack window, payload chunking, reset,
// the controller-ID handshake, resend recovery, and the readiness
// predicate that throttles producers.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"telecortex/protocol"
	"telecortex/transport"
)

const (
	opReset     = "M9999"
	opSetLine   = "M110"
	opQueryCID  = "P2205"
)

// ackEntry is one outstanding line-numbered command, keyed by the line
// number it was emitted with.
type ackEntry struct {
	lineNum uint64
	cmd     protocol.Command
}

// Session is the protocol engine for exactly one controller. It owns no
// concurrency of its own; the Worker that owns a Session is responsible
// for calling Pump and for serializing every other call.
type Session struct {
	t   transport.Transport
	cfg Config
	log *logrus.Entry

	lineCounter uint64
	ackQueue    []ackEntry
	response    map[uint64]string
	cid         string

	parser protocol.LineParser
}

// New constructs a Session bound to an already-opened Transport.
func New(t transport.Transport, cfg Config, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		t:        t,
		cfg:      cfg,
		log:      log,
		response: make(map[uint64]string),
	}
}

// CID returns the controller ID learned via GetCID, or "" if none yet.
func (s *Session) CID() string { return s.cid }

// LineCounter returns the next line number that will be assigned.
func (s *Session) LineCounter() uint64 { return s.lineCounter }

// AckQueueLen returns the number of outstanding line-numbered commands.
func (s *Session) AckQueueLen() int { return len(s.ackQueue) }

// ResetBoard flushes the output buffer, sends the unnumbered soft-reset,
// drains whatever the controller has already sent, then reinitializes
// the line counter to zero via SetLinenum.
func (s *Session) ResetBoard() error {
	if err := s.t.ResetOutput(); err != nil {
		return &TransportError{ControllerID: s.cid, Op: "reset_output", Err: err}
	}
	if err := s.SendUnnumbered(opReset, nil); err != nil {
		return err
	}
	if _, err := s.drainInput(); err != nil {
		return err
	}
	return s.SetLinenum(0)
}

// SetLinenum emits "M110 N<l>", sets the line counter to l+1, then blocks
// (bounded by cfg.AckTimeout) until the ack_queue is empty.
func (s *Session) SetLinenum(l uint64) error {
	cmd := protocol.Command{
		Opcode: opSetLine,
		Args:   []protocol.Arg{{Key: 'N', Value: strconv.FormatUint(l, 10)}},
	}
	if err := s.emitNumbered(cmd); err != nil {
		return err
	}
	s.lineCounter = l + 1

	deadline := time.Now().Add(s.cfg.AckTimeout)
	for len(s.ackQueue) > 0 {
		if time.Now().After(deadline) {
			return &ProtocolError{
				ControllerID: s.cid,
				Opcode:       opSetLine,
				Detail:       "set_linenum: no ack before timeout",
			}
		}
		if err := s.Pump(); err != nil {
			return err
		}
		if len(s.ackQueue) > 0 {
			time.Sleep(s.cfg.PumpPollInterval)
		}
	}
	return nil
}

// GetCID emits P2205 and waits (bounded by cfg.AckTimeout) for a response
// beginning with "S"; the remainder becomes the session's CID.
func (s *Session) GetCID() (string, error) {
	cmd := protocol.Command{Opcode: opQueryCID}
	line := s.lineCounter
	if err := s.emitNumbered(cmd); err != nil {
		return "", err
	}

	deadline := time.Now().Add(s.cfg.AckTimeout)
	for {
		if resp, ok := s.response[line]; ok {
			if !strings.HasPrefix(resp, "S") {
				return "", &ProtocolError{
					ControllerID: s.cid,
					LineNum:      line,
					Opcode:       opQueryCID,
					Detail:       fmt.Sprintf("malformed CID response %q", resp),
				}
			}
			s.cid = strings.TrimPrefix(resp, "S")
			s.log = s.log.WithField("cid", s.cid)
			return s.cid, nil
		}
		if time.Now().After(deadline) {
			return "", &ProtocolError{
				ControllerID: s.cid,
				LineNum:      line,
				Opcode:       opQueryCID,
				Detail:       "get_cid: no response before timeout",
			}
		}
		if err := s.Pump(); err != nil {
			return "", err
		}
		time.Sleep(s.cfg.PumpPollInterval)
	}
}

// SendNumbered waits for readiness, emits cmd with a fresh line number,
// and records it in the ack_queue unless IgnoreAcks is set.
func (s *Session) SendNumbered(opcode string, args []protocol.Arg) (protocol.Command, error) {
	cmd := protocol.Command{Opcode: opcode, Args: args}
	if err := s.waitToSend(cmd.Format(s.cfg.DoChecksum)); err != nil {
		return protocol.Command{}, err
	}
	if err := s.emitNumbered(cmd); err != nil {
		return protocol.Command{}, err
	}
	return cmd, nil
}

// SendUnnumbered waits for readiness and emits cmd without a line
// number; it is never retransmitted.
func (s *Session) SendUnnumbered(opcode string, args []protocol.Arg) error {
	cmd := protocol.Command{Opcode: opcode, Args: args}
	if err := s.waitToSend(cmd.Format(s.cfg.DoChecksum)); err != nil {
		return err
	}
	return s.write(cmd.Format(s.cfg.DoChecksum))
}

// ChunkNumbered splits payload (base64 text, 4 characters per pixel)
// across as many numbered commands as needed so each formatted wire
// line stays within cfg.ChunkSize. Only the first segment omits the S
// offset argument; every later segment's S value is the cumulative
// pixel offset (base64 chars / 4). If payload is empty this degenerates
// to SendNumbered.
func (s *Session) ChunkNumbered(opcode string, staticArgs []protocol.Arg, payload string) error {
	if payload == "" {
		_, err := s.SendNumbered(opcode, staticArgs)
		return err
	}

	offset := 0
	for offset < len(payload) {
		base := append([]protocol.Arg(nil), staticArgs...)
		if offset > 0 {
			base = append(base, protocol.Arg{Key: 'S', Value: strconv.Itoa(offset / 4)})
		}

		segLen := len(payload) - offset
		for segLen > 0 {
			args := append(append([]protocol.Arg(nil), base...), protocol.Arg{Key: 'V', Value: payload[offset : offset+segLen]})
			probe := protocol.Command{Opcode: opcode, Args: args}.WithLineNum(s.lineCounter)
			if len(probe.Format(s.cfg.DoChecksum))+1 <= s.cfg.ChunkSize {
				break
			}
			segLen -= 4
		}
		if segLen <= 0 {
			return fmt.Errorf("chunk_size %d too small to fit any payload segment for opcode %s", s.cfg.ChunkSize, opcode)
		}

		args := append(base, protocol.Arg{Key: 'V', Value: payload[offset : offset+segLen]})
		if _, err := s.SendNumbered(opcode, args); err != nil {
			return err
		}
		offset += segLen
	}
	return nil
}

// Ready reports whether the Session may accept another send: the
// ack_queue must be within its window (or ignored entirely), the
// transport's out_waiting must be under budget, and no M110 may be
// outstanding regardless of window occupancy (spec.md §12 item 5).
func (s *Session) Ready() bool {
	if s.hasOutstandingSetLinenum() {
		return false
	}
	if !s.cfg.IgnoreAcks && len(s.ackQueue) > s.cfg.MaxAckWindow {
		return false
	}
	outWaiting, err := s.t.OutWaiting()
	if err != nil {
		return false
	}
	return outWaiting < s.cfg.OutBufBudget
}

func (s *Session) hasOutstandingSetLinenum() bool {
	for _, e := range s.ackQueue {
		if e.cmd.Opcode == opSetLine {
			return true
		}
	}
	return false
}

// Pump parses all currently available input and updates the ack window,
// response table, error handling, and resend handling accordingly.
func (s *Session) Pump() error {
	data, err := s.t.ReadAvailable()
	if err != nil {
		return &TransportError{ControllerID: s.cid, Op: "read", Err: err}
	}
	if len(data) == 0 {
		return nil
	}

	lines := s.parser.Feed(data)
	sawLineActivity := false
	sawIdle := false

	for _, p := range lines {
		switch p.Class {
		case protocol.ClassIdle:
			sawIdle = true
		case protocol.ClassTelemetry:
			s.log.WithFields(logrus.Fields{
				"fps":       p.Telemetry.FPS,
				"cmd_rate":  p.Telemetry.CmdRate,
				"pix_rate":  p.Telemetry.PixRate,
				"queue_occ": p.Telemetry.QueueOcc,
				"queue_max": p.Telemetry.QueueMax,
			}).Debug("controller telemetry")
			if s.cfg.OnTelemetry != nil {
				s.cfg.OnTelemetry(p.Telemetry)
			}
		case protocol.ClassInfo:
			s.log.WithField("line", p.Raw).Debug("controller info")
		case protocol.ClassAck:
			sawLineActivity = true
			s.clearAckedThrough(p.LineNum)
		case protocol.ClassLineError:
			sawLineActivity = true
			if err := s.handleErrorCode(p.ErrCode, p.LineNum, p.Message); err != nil {
				return err
			}
		case protocol.ClassResponse:
			sawLineActivity = true
			s.response[p.LineNum] = p.Response
		case protocol.ClassUnlinedError:
			if err := s.handleErrorCode(p.ErrCode, 0, p.Message); err != nil {
				return err
			}
		case protocol.ClassResend:
			sawLineActivity = true
			s.handleResend(p.ResendAt)
		default:
			s.log.WithField("line", p.Raw).Warn("unrecognized line from controller")
		}
	}

	if sawIdle && !sawLineActivity {
		s.ackQueue = nil
	}
	return nil
}

func (s *Session) clearAckedThrough(l uint64) {
	i := 0
	for i < len(s.ackQueue) && s.ackQueue[i].lineNum <= l {
		i++
	}
	s.ackQueue = s.ackQueue[i:]
}

// handleErrorCode implements the error taxonomy of spec.md §4.3: 10/19
// (checksum/sequence) and 11 (already acked) are ignored since a resend
// will follow or already has; 14 (base64 length) is ignored as
// non-fatal; anything else escalates to ProtocolError unless the caller
// opted into leniency.
func (s *Session) handleErrorCode(code int, lineNum uint64, msg string) error {
	switch code {
	case 10, 19, 11, 14:
		s.log.WithFields(logrus.Fields{
			"code": code,
			"line": lineNum,
		}).Warn(msg)
		return nil
	default:
		if s.cfg.ErrorLeniency {
			s.log.WithFields(logrus.Fields{
				"code": code,
				"line": lineNum,
			}).Warn("unknown error code tolerated by leniency policy: " + msg)
			return nil
		}
		return &ProtocolError{
			ControllerID: s.cid,
			LineNum:      lineNum,
			Code:         code,
			Detail:       msg,
		}
	}
}

// handleResend implements spec.md §4.3's "Resend" behavior: snapshot the
// ack_queue, clear it, reset the line counter to l, then re-emit every
// snapshotted command whose original line number was >= l, in ascending
// order, under freshly assigned line numbers.
func (s *Session) handleResend(l uint64) {
	snapshot := s.ackQueue
	s.ackQueue = nil
	s.lineCounter = l

	found := false
	for _, e := range snapshot {
		if e.lineNum >= l {
			found = true
			if err := s.emitNumbered(e.cmd); err != nil {
				s.log.WithError(err).Error("resend re-emit failed")
				return
			}
		}
	}
	if !found {
		s.log.WithField("resend_at", l).Warn("resend requested a line number not in the ack queue; continuing best-effort")
	}
}

// emitNumbered assigns the next line number to cmd, formats and writes
// it, then (unless IgnoreAcks) appends it to the ack_queue.
func (s *Session) emitNumbered(cmd protocol.Command) error {
	numbered := cmd.WithLineNum(s.lineCounter)
	formatted := numbered.Format(s.cfg.DoChecksum)
	numbered.WireLen = len(formatted) + 1
	if err := s.write(formatted); err != nil {
		return err
	}
	if !s.cfg.IgnoreAcks {
		s.ackQueue = append(s.ackQueue, ackEntry{lineNum: s.lineCounter, cmd: numbered})
	}
	s.lineCounter++
	return nil
}

// waitToSend implements the pre-emission backpressure loop: while input
// is pending or the formatted line would exceed the output budget, pump.
func (s *Session) waitToSend(formatted string) error {
	for {
		inWaiting, err := s.t.InWaiting()
		if err != nil {
			return &TransportError{ControllerID: s.cid, Op: "in_waiting", Err: err}
		}
		outWaiting, err := s.t.OutWaiting()
		if err != nil {
			return &TransportError{ControllerID: s.cid, Op: "out_waiting", Err: err}
		}
		if inWaiting == 0 && len(formatted)+1 <= s.cfg.OutBufBudget-outWaiting {
			return nil
		}
		if err := s.Pump(); err != nil {
			return err
		}
		time.Sleep(s.cfg.PumpPollInterval)
	}
}

// write appends the line terminator and writes formatted to the
// transport, chunking the write itself if the transport accepts fewer
// bytes than requested.
func (s *Session) write(formatted string) error {
	buf := append([]byte(formatted), '\n')
	for len(buf) > 0 {
		n, err := s.t.Write(buf)
		if err != nil {
			return &TransportError{ControllerID: s.cid, Op: "write", Err: err}
		}
		buf = buf[n:]
		if len(buf) > 0 {
			time.Sleep(s.cfg.PumpPollInterval)
		}
	}
	return nil
}

// drainInput discards whatever the controller has already sent, used by
// ResetBoard before reinitializing the line counter.
func (s *Session) drainInput() ([]byte, error) {
	data, err := s.t.ReadAvailable()
	if err != nil {
		return nil, &TransportError{ControllerID: s.cid, Op: "read", Err: err}
	}
	return data, nil
}

// Close closes the underlying transport. The Session must not be used
// afterwards.
func (s *Session) Close() error {
	if err := s.t.Close(); err != nil {
		return &TransportError{ControllerID: s.cid, Op: "close", Err: err}
	}
	return nil
}
