package protocol_test

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecortex/protocol"
)

func TestCommandFormatNoChecksum(t *testing.T) {
	cmd := protocol.Command{
		Opcode: "M2600",
		Args:   []protocol.Arg{{Key: 'Q', Value: "0"}},
	}.WithLineNum(1)

	assert.Equal(t, "N1 M2600 Q0", cmd.Format(false))
}

func TestCommandFormatUnnumbered(t *testing.T) {
	cmd := protocol.Command{Opcode: "M9999"}
	assert.Equal(t, "M9999", cmd.Format(false))
}

func TestCommandChecksumRoundTrip(t *testing.T) {
	cmd := protocol.Command{
		Opcode: "M2600",
		Args:   []protocol.Arg{{Key: 'Q', Value: "0"}},
	}.WithLineNum(1)

	line := cmd.Format(true)
	star := strings.IndexByte(line, '*')
	require.GreaterOrEqual(t, star, 0)

	var xor byte
	for i := 0; i < star; i++ {
		xor ^= line[i]
	}

	got, err := strconv.Atoi(line[star+1:])
	require.NoError(t, err)
	assert.Equal(t, int(xor), got)
}

func TestArgJSONRoundTrip(t *testing.T) {
	arg := protocol.Arg{Key: 'Q', Value: "42"}

	data, err := json.Marshal(arg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"Q","value":"42"}`, string(data))

	var got protocol.Arg
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, arg, got)
}

func TestArgUnmarshalRejectsMultiCharKey(t *testing.T) {
	var arg protocol.Arg
	err := json.Unmarshal([]byte(`{"key":"QQ","value":"1"}`), &arg)
	require.Error(t, err)
}
