package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecortex/transport"
)

func TestMemTransportWriteAndRead(t *testing.T) {
	mt := transport.NewMemTransport()

	n, err := mt.Write([]byte("N1 M9999\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	mt.Feed([]byte("N1: OK\n"))
	in, err := mt.InWaiting()
	require.NoError(t, err)
	assert.Equal(t, 7, in)

	data, err := mt.ReadAvailable()
	require.NoError(t, err)
	assert.Equal(t, "N1: OK\n", string(data))

	in, err = mt.InWaiting()
	require.NoError(t, err)
	assert.Zero(t, in)

	assert.Equal(t, [][]byte{[]byte("N1 M9999\n")}, mt.Writes())
}

func TestMemTransportOutBudget(t *testing.T) {
	mt := transport.NewMemTransport()
	mt.SetOutBudgetUsed(100)

	out, err := mt.OutWaiting()
	require.NoError(t, err)
	assert.Equal(t, 100, out)

	require.NoError(t, mt.ResetOutput())
	out, err = mt.OutWaiting()
	require.NoError(t, err)
	assert.Zero(t, out)
}

func TestMemTransportClose(t *testing.T) {
	mt := transport.NewMemTransport()
	assert.False(t, mt.Closed())
	require.NoError(t, mt.Close())
	assert.True(t, mt.Closed())
}

func TestNullTransportAlwaysReady(t *testing.T) {
	var nt transport.NullTransport
	in, _ := nt.InWaiting()
	out, _ := nt.OutWaiting()
	assert.Zero(t, in)
	assert.Zero(t, out)
	n, err := nt.Write([]byte("whatever"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}
