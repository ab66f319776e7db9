// Package manager composes many per-controller Sessions into a fleet:
// device discovery, worker lifecycle, a bounded-retry submit API, and
// fleet-wide quiescence/liveness queries.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"telecortex/discovery"
	"telecortex/protocol"
	"telecortex/session"
	"telecortex/transport"
	"telecortex/worker"
)

// FrameSink is the interface the frame producer drives. Manager
// implements it against real hardware; TraceManager implements it
// against a recorded trace (spec.md §12 item 2).
type FrameSink interface {
	Submit(controllerID string, opcode string, args []protocol.Arg, payload string) error
	WaitIdle()
	AnyAlive() bool
	Shutdown()
}

// Config bounds Manager-wide policy.
type Config struct {
	SubmitRetryCap  int
	SubmitRetryWait time.Duration
	QuiesceInterval time.Duration
	IgnoreSerial    bool
	Session         session.Config
	Worker          worker.Config
	// Opener opens each controller's long-lived transport, and is also
	// handed to discovery for CID handshakes. Defaults to
	// transport.OpenSerialTransport; tests substitute a fake.
	Opener transport.Opener
}

// DefaultConfig mirrors session.py's retry cap of 1000 (spec.md §4.5).
func DefaultConfig() Config {
	return Config{
		SubmitRetryCap:  1000,
		SubmitRetryWait: time.Millisecond,
		QuiesceInterval: 5 * time.Millisecond,
		Session:         session.DefaultConfig(),
		Worker:          worker.DefaultConfig(),
	}
}

type controllerEntry struct {
	spec   discovery.ControllerSpec
	sess   *session.Session
	worker *worker.Worker
	cancel context.CancelFunc
}

// Manager owns the full fleet: one Worker+Session+Transport per
// registered controller.
type Manager struct {
	cfg  Config
	enum transport.Enumerator
	log  *logrus.Entry

	opener transport.Opener

	mu        sync.Mutex
	entries   map[string]*controllerEntry
	knownCIDs map[string]string
	metrics   *Metrics
}

// New constructs a Manager. enum resolves USB-identity filters to
// concrete device paths; pass a fake in tests.
func New(cfg Config, enum transport.Enumerator, log *logrus.Entry, metrics *Metrics) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opener := cfg.Opener
	if opener == nil {
		opener = transport.OpenSerialTransport
	}
	return &Manager{
		cfg:       cfg,
		enum:      enum,
		log:       log,
		opener:    opener,
		entries:   make(map[string]*controllerEntry),
		knownCIDs: make(map[string]string),
		metrics:   metrics,
	}
}

// Register resolves spec to a device, opens its transport, spawns its
// Session and Worker, and starts the worker loop. A resolution failure
// (ErrNoDevice) is logged and leaves that controller unregistered; the
// Manager itself stays alive (spec.md §4.5 step 4).
func (m *Manager) Register(spec discovery.ControllerSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawn(spec)
}

func (m *Manager) spawn(spec discovery.ControllerSpec) error {
	path, cid, err := discovery.Resolve(spec, m.enum, m.knownCIDs, discovery.Options{
		IgnoreSerial: m.cfg.IgnoreSerial,
		Log:          m.log,
		Opener:       m.opener,
	})
	if err != nil {
		if err == discovery.ErrNoDevice {
			return nil
		}
		return fmt.Errorf("resolve controller %s: %w", spec.ID, err)
	}

	t, err := m.opener(transport.Descriptor{
		Path:        path,
		Baud:        spec.Baud,
		ReadTimeout: m.cfg.Session.AckTimeout,
	})
	if err != nil {
		return fmt.Errorf("open controller %s at %s: %w", spec.ID, path, err)
	}

	log := m.log.WithFields(logrus.Fields{"controller_id": spec.ID, "path": path})
	if cid != "" {
		log = log.WithField("cid", cid)
	}

	sessCfg := m.cfg.Session
	if m.metrics != nil {
		sessCfg.OnTelemetry = func(telem protocol.Telemetry) {
			m.metrics.Observe(spec.ID, telem)
		}
	}

	sess := session.New(t, sessCfg, log)
	if err := sess.ResetBoard(); err != nil {
		_ = t.Close()
		return fmt.Errorf("reset controller %s: %w", spec.ID, err)
	}
	if spec.CID != "" {
		m.knownCIDs[path] = spec.CID
	}

	w := worker.New(sess, m.cfg.Worker, log)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	m.entries[spec.ID] = &controllerEntry{spec: spec, sess: sess, worker: w, cancel: cancel}
	return nil
}

// respawn replaces a dead worker by rediscovering and reopening its
// controller. Per spec.md §9 Open Question (b), queued-but-unsent
// commands on the old worker are dropped, not drained, matching the
// original's "fresh queue on refresh" behavior.
func (m *Manager) respawn(controllerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[controllerID]
	if !ok {
		return fmt.Errorf("respawn unknown controller %s", controllerID)
	}
	entry.cancel()
	entry.worker.Stop()
	_ = entry.sess.Close()
	delete(m.entries, controllerID)
	return m.spawn(entry.spec)
}

// Submit enqueues (opcode, args, payload) onto controllerID's worker. On
// queue-full it yields and retries, capped at cfg.SubmitRetryCap. If the
// worker has exited on a TransportError (or was stopped without an
// error), Submit refreshes the connection and retries the same job; each
// refresh uses one attempt of the cap. A worker that exited on any other
// error is not respawned: Submit returns that error.
func (m *Manager) Submit(controllerID string, opcode string, args []protocol.Arg, payload string) error {
	job := worker.Job{Opcode: opcode, Args: args, Payload: payload}

	for attempt := 0; attempt < m.cfg.SubmitRetryCap; attempt++ {
		m.mu.Lock()
		entry, ok := m.entries[controllerID]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("submit: controller %s not registered", controllerID)
		}

		if !entry.worker.Alive() {
			var te *session.TransportError
			if werr := entry.worker.Err(); werr != nil && !errors.As(werr, &te) {
				return fmt.Errorf("submit: controller %s worker exited: %w", controllerID, werr)
			}
			if err := m.respawn(controllerID); err != nil {
				return fmt.Errorf("submit: respawn controller %s: %w", controllerID, err)
			}
			continue
		}

		err := entry.worker.TryEnqueue(job)
		if err == nil {
			return nil
		}
		time.Sleep(m.cfg.SubmitRetryWait)
	}
	return &session.BackpressureRetryExhausted{ControllerID: controllerID, Retries: m.cfg.SubmitRetryCap}
}

// AllIdle reports whether every registered worker's inbound queue is
// empty.
func (m *Manager) AllIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if !e.worker.Idle() {
			return false
		}
	}
	return true
}

// AnyAlive reports whether at least one worker is still running.
func (m *Manager) AnyAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.worker.Alive() {
			return true
		}
	}
	return false
}

// WaitIdle spins with short sleeps until AllIdle is true.
func (m *Manager) WaitIdle() {
	for !m.AllIdle() {
		time.Sleep(m.cfg.QuiesceInterval)
	}
}

// Shutdown signals every worker to stop, joins them, and closes every
// transport.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*controllerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*controllerEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.worker.Stop()
		_ = e.sess.Close()
	}
}
