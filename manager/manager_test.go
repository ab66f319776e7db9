package manager

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"telecortex/discovery"
	"telecortex/protocol"
	"telecortex/session"
	"telecortex/transport"
)

// fakeEnumerator returns a fixed port list.
type fakeEnumerator struct {
	ports []transport.PortInfo
}

func (f fakeEnumerator) EnumeratePorts() ([]transport.PortInfo, error) {
	return f.ports, nil
}

// autoAckTransport is a MemTransport that immediately OKs every
// line-numbered command it sees, so a worker never blocks waiting for a
// real controller.
type autoAckTransport struct {
	*transport.MemTransport
}

func (a *autoAckTransport) Write(p []byte) (int, error) {
	n, err := a.MemTransport.Write(p)
	if err != nil {
		return n, err
	}
	line := strings.TrimSuffix(string(p), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "N") {
		return n, nil
	}
	lineNum := strings.TrimPrefix(fields[0], "N")
	a.Feed([]byte("N" + lineNum + ": OK\n"))
	return n, nil
}

func autoAckOpener() transport.Opener {
	return func(d transport.Descriptor) (transport.Transport, error) {
		return &autoAckTransport{MemTransport: transport.NewMemTransport()}, nil
	}
}

// setLinenumAckTransport is a MemTransport that OKs only M110 lines, so a
// Session's reset handshake completes but every later line-numbered
// command stays unacknowledged.
type setLinenumAckTransport struct {
	*transport.MemTransport
}

func (a *setLinenumAckTransport) Write(p []byte) (int, error) {
	n, err := a.MemTransport.Write(p)
	if err != nil {
		return n, err
	}
	fields := strings.Fields(string(p))
	if len(fields) >= 2 && strings.HasPrefix(fields[0], "N") && fields[1] == "M110" {
		a.Feed([]byte(fields[0] + ": OK\n"))
	}
	return n, nil
}

func testManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.Session.DoChecksum = false
	cfg.Session.AckTimeout = time.Second
	cfg.Worker.PopTimeout = 5 * time.Millisecond
	cfg.Worker.YieldInterval = time.Millisecond
	cfg.Worker.IdlePump = 5 * time.Millisecond
	cfg.SubmitRetryWait = time.Millisecond
	cfg.QuiesceInterval = time.Millisecond
	cfg.Opener = autoAckOpener()
	return cfg
}

func TestManagerRegisterAndSubmit(t *testing.T) {
	enum := fakeEnumerator{ports: []transport.PortInfo{
		{Path: "/dev/ttyUSB0", VendorID: "2e8a"},
	}}
	m := New(testManagerConfig(), enum, nil, nil)

	err := m.Register(discovery.ControllerSpec{ID: "panel-1", VendorID: "2e8a", Baud: 115200})
	require.NoError(t, err)
	require.True(t, m.AnyAlive())

	err = m.Submit("panel-1", "M2000", []protocol.Arg{{Key: 'Q', Value: "0"}}, "")
	require.NoError(t, err)

	m.WaitIdle()
	require.True(t, m.AllIdle())

	m.Shutdown()
	require.False(t, m.AnyAlive())
}

func TestManagerRegisterNoDeviceIsNonFatal(t *testing.T) {
	m := New(testManagerConfig(), fakeEnumerator{}, nil, nil)
	err := m.Register(discovery.ControllerSpec{ID: "panel-1", VendorID: "missing"})
	require.NoError(t, err)
	require.False(t, m.AnyAlive())
}

func TestManagerSubmitUnregisteredControllerErrors(t *testing.T) {
	m := New(testManagerConfig(), fakeEnumerator{}, nil, nil)
	err := m.Submit("ghost", "M2000", nil, "")
	require.Error(t, err)
}

func TestManagerSubmitBackpressureExhaustsRetries(t *testing.T) {
	enum := fakeEnumerator{ports: []transport.PortInfo{{Path: "/dev/ttyUSB0", VendorID: "2e8a"}}}
	cfg := testManagerConfig()
	cfg.SubmitRetryCap = 3
	cfg.SubmitRetryWait = time.Millisecond
	cfg.Worker.QueueCapacity = 1
	// Ack only the M110 of registration's reset, with a zero-width ack
	// window: the first job's ack never arrives, so Ready stays false and
	// the worker wedges inside handle() forever once it pops that job,
	// never draining the queue again.
	cfg.Session.MaxAckWindow = 0
	cfg.Opener = func(d transport.Descriptor) (transport.Transport, error) {
		return &setLinenumAckTransport{MemTransport: transport.NewMemTransport()}, nil
	}
	m := New(cfg, enum, nil, nil)
	require.NoError(t, m.Register(discovery.ControllerSpec{ID: "panel-1", VendorID: "2e8a", Baud: 115200}))

	require.NoError(t, m.Submit("panel-1", "M2000", nil, ""))

	m.mu.Lock()
	entry := m.entries["panel-1"]
	m.mu.Unlock()
	require.Eventually(t, func() bool { return entry.worker.Idle() }, time.Second, time.Millisecond,
		"worker never popped the first job off its queue")

	require.NoError(t, m.Submit("panel-1", "M2000", nil, ""))
	require.False(t, entry.worker.Idle(), "second job should still be sitting in the now-full queue")

	err := m.Submit("panel-1", "M2000", nil, "")
	var exhausted *session.BackpressureRetryExhausted
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "panel-1", exhausted.ControllerID)

	m.Shutdown()
}

func TestManagerRespawnOnDeadWorker(t *testing.T) {
	enum := fakeEnumerator{ports: []transport.PortInfo{{Path: "/dev/ttyUSB0", VendorID: "2e8a"}}}
	m := New(testManagerConfig(), enum, nil, nil)
	require.NoError(t, m.Register(discovery.ControllerSpec{ID: "panel-1", VendorID: "2e8a", Baud: 115200}))

	m.mu.Lock()
	entry := m.entries["panel-1"]
	m.mu.Unlock()
	entry.worker.Stop()
	require.False(t, entry.worker.Alive())

	err := m.Submit("panel-1", "M2000", nil, "")
	require.NoError(t, err)

	m.mu.Lock()
	newEntry := m.entries["panel-1"]
	m.mu.Unlock()
	require.NotSame(t, entry, newEntry)

	m.Shutdown()
}

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.Observe("panel-1", protocol.Telemetry{FPS: 30, CmdRate: 100, PixRate: 5000, QueueOcc: 2, QueueMax: 16})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestTraceManagerRecordsSubmissions(t *testing.T) {
	var buf strings.Builder
	tm := NewTraceManager(&buf)
	require.NoError(t, tm.Submit("panel-1", "M2000", []protocol.Arg{{Key: 'Q', Value: "1"}}, "AAAA"))
	require.True(t, tm.AnyAlive())
	tm.WaitIdle()
	tm.Shutdown()
	require.Contains(t, buf.String(), "panel-1")
	require.Contains(t, buf.String(), "M2000")
}
