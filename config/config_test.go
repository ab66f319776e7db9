package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	fc, err := Load([]byte(`{
		"controllers": [
			{"id": "panel-1", "vendor_id": "2e8a", "product_id": "0005"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, 5, fc.MaxAckWindow)
	require.Equal(t, 256, fc.ChunkSize)
	require.Equal(t, 5000, fc.AckTimeoutMS)
	require.Equal(t, 10, fc.WorkerQueueSize)
	require.Equal(t, 1000, fc.SubmitRetryCap)
	require.Len(t, fc.Controllers, 1)
	require.Equal(t, 115200, fc.Controllers[0].Baud)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	doChecksum := false
	fc, err := Load([]byte(`{
		"controllers": [{"id": "panel-1", "baud": 57600}],
		"max_ack_window": 3,
		"chunk_size": 128,
		"do_checksum": false,
		"error_leniency": true,
		"ack_timeout_ms": 1000,
		"worker_queue_size": 4,
		"submit_retry_cap": 10,
		"ignore_serial": true
	}`))
	require.NoError(t, err)
	require.Equal(t, 3, fc.MaxAckWindow)
	require.Equal(t, 128, fc.ChunkSize)
	require.NotNil(t, fc.DoChecksum)
	require.Equal(t, doChecksum, *fc.DoChecksum)
	require.True(t, fc.ErrorLeniency)
	require.True(t, fc.IgnoreSerial)
	require.Equal(t, 57600, fc.Controllers[0].Baud)
}

func TestSessionConfigDerivesOutBufBudgetFromChunkSize(t *testing.T) {
	fc, err := Load([]byte(`{"controllers": [], "chunk_size": 100}`))
	require.NoError(t, err)
	sc := fc.SessionConfig()
	require.Equal(t, 100, sc.ChunkSize)
	require.Equal(t, 120, sc.OutBufBudget)
}

func TestControllerSpecsCarriesHandshakeConfig(t *testing.T) {
	fc, err := Load([]byte(`{
		"controllers": [{"id": "panel-1", "cid": "AAA111", "device_path": "/dev/ttyFIXED"}]
	}`))
	require.NoError(t, err)
	specs := fc.ControllerSpecs()
	require.Len(t, specs, 1)
	require.Equal(t, "panel-1", specs[0].ID)
	require.Equal(t, "AAA111", specs[0].CID)
	require.Equal(t, fc.SessionConfig().ChunkSize, specs[0].HandshakeConfig.ChunkSize)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	_, err := Load([]byte(`not json`))
	require.Error(t, err)
}
