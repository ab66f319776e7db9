package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecortex/session"
	"telecortex/transport"
	"telecortex/worker"
)

func TestWorkerProcessesJobsInOrder(t *testing.T) {
	mt := transport.NewMemTransport()
	cfg := session.DefaultConfig()
	cfg.DoChecksum = false
	cfg.IgnoreAcks = true
	sess := session.New(mt, cfg, nil)

	wcfg := worker.DefaultConfig()
	wcfg.PopTimeout = 5 * time.Millisecond
	w := worker.New(sess, wcfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.TryEnqueue(worker.Job{Opcode: "M2610"}))
	require.NoError(t, w.TryEnqueue(worker.Job{Opcode: "M2610"}))

	require.Eventually(t, func() bool {
		return len(mt.Writes()) >= 2
	}, time.Second, 5*time.Millisecond)

	writes := mt.Writes()
	assert.Equal(t, "N0 M2610\n", string(writes[0]))
	assert.Equal(t, "N1 M2610\n", string(writes[1]))

	w.Stop()
	assert.False(t, w.Alive())
}

func TestWorkerQueueFullReturnsError(t *testing.T) {
	mt := transport.NewMemTransport()
	cfg := session.DefaultConfig()
	cfg.IgnoreAcks = true
	sess := session.New(mt, cfg, nil)

	wcfg := worker.DefaultConfig()
	wcfg.QueueCapacity = 1
	w := worker.New(sess, wcfg, nil)
	// Worker loop isn't started, so the one slot fills and stays full.

	require.NoError(t, w.TryEnqueue(worker.Job{Opcode: "M2610"}))
	assert.ErrorIs(t, w.TryEnqueue(worker.Job{Opcode: "M2610"}), worker.ErrQueueFull)
}
