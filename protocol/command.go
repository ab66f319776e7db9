// Package protocol implements the line-numbered, checksum-protected ASCII
// command protocol spoken between the host and an LED panel controller.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Arg is a single wire argument: a one-letter key and its stringified
// value, e.g. {Key: 'Q', Value: "0"} formats as "Q0". Order of Args in a
// Command is preserved on the wire.
type Arg struct {
	Key   byte
	Value string
}

// argJSON is Arg's wire shape for JSON: a single-character string key
// instead of a raw byte, so a stdin frame submission or trace file reads as
// {"key":"Q","value":"0"} rather than a numeric ASCII code.
type argJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a Arg) MarshalJSON() ([]byte, error) {
	return json.Marshal(argJSON{Key: string(a.Key), Value: a.Value})
}

func (a *Arg) UnmarshalJSON(data []byte) error {
	var aj argJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return err
	}
	if len(aj.Key) != 1 {
		return fmt.Errorf("arg key must be exactly one character, got %q", aj.Key)
	}
	a.Key = aj.Key[0]
	a.Value = aj.Value
	return nil
}

// Command is an immutable value object: an opcode plus ordered arguments,
// optionally bound to a line number. It carries no reference back to the
// Session that emits it; the Session owns all retransmission bookkeeping.
type Command struct {
	Opcode string
	Args   []Arg

	// LineNum is nil for an unnumbered (fire-and-forget) command.
	LineNum *uint64

	// WireLen is the formatted length in bytes, recorded after the
	// command is first emitted. Zero until then.
	WireLen int
}

// WithLineNum returns a copy of cmd bound to line number n.
func (cmd Command) WithLineNum(n uint64) Command {
	cmd.LineNum = &n
	return cmd
}

// Format renders the command as it appears on the wire, without the
// trailing '\n' terminator. If includeChecksum is true, a trailing space
// and "*<xor>" are appended, where xor is the 8-bit XOR of every byte of
// the line up to and including that trailing space.
func (cmd Command) Format(includeChecksum bool) string {
	var b strings.Builder

	if cmd.LineNum != nil {
		b.WriteByte('N')
		writeUint(&b, *cmd.LineNum)
		b.WriteByte(' ')
	}

	b.WriteString(cmd.Opcode)
	for _, a := range cmd.Args {
		b.WriteByte(' ')
		b.WriteByte(a.Key)
		b.WriteString(a.Value)
	}

	if includeChecksum {
		b.WriteByte(' ')
		line := b.String()
		b.WriteByte('*')
		writeUint(&b, uint64(xorChecksum(line)))
	}

	return b.String()
}

// xorChecksum returns the 8-bit XOR of every byte of s.
func xorChecksum(s string) byte {
	var x byte
	for i := 0; i < len(s); i++ {
		x ^= s[i]
	}
	return x
}

func writeUint(b *strings.Builder, v uint64) {
	if v == 0 {
		b.WriteByte('0')
		return
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	b.Write(buf[i:])
}
