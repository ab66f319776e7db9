// Package worker runs the single-goroutine loop that owns one Session
// and Transport exclusively: it pulls submitted commands from a bounded
// queue, hands them to the Session, and cooperatively yields whenever
// the Session isn't ready to accept more.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"telecortex/protocol"
	"telecortex/session"
)

// ErrQueueFull is returned by TryEnqueue when the inbound queue has no
// room and the caller declined to wait.
var ErrQueueFull = errors.New("worker: inbound queue full")

// Job is one (opcode, args, payload) tuple submitted to a controller.
// Payload is empty for commands with no chunked body.
type Job struct {
	Opcode  string
	Args    []protocol.Arg
	Payload string
}

// Config bounds a Worker's behavior independent of the Session it drives.
type Config struct {
	QueueCapacity int
	PopTimeout    time.Duration
	YieldInterval time.Duration
	IdlePump      time.Duration
}

// DefaultConfig returns spec.md §4.4's default queue capacity and
// reasonable cooperative-yield intervals.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 10,
		PopTimeout:    20 * time.Millisecond,
		YieldInterval: 2 * time.Millisecond,
		IdlePump:      50 * time.Millisecond,
	}
}

// Worker owns exactly one Session and processes Jobs from its inbound
// queue until Stop is called or the Session returns an error.
type Worker struct {
	sess *session.Session
	cfg  Config
	log  *logrus.Entry

	jobs chan Job
	stop chan struct{}
	done chan struct{}

	alive int32 // atomic bool
	mu    sync.Mutex
	err   error
}

// New constructs a Worker around an already-initialized Session.
func New(sess *session.Session, cfg Config, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Worker{
		sess: sess,
		cfg:  cfg,
		log:  log,
		jobs: make(chan Job, cfg.QueueCapacity),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	atomic.StoreInt32(&w.alive, 1)
	return w
}

// TryEnqueue attempts a non-blocking send onto the inbound queue,
// returning ErrQueueFull if it has no room. Manager.Submit uses this for
// its bounded-retry backpressure policy (spec.md §4.5).
func (w *Worker) TryEnqueue(j Job) error {
	select {
	case w.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Idle reports whether the inbound queue is currently empty.
func (w *Worker) Idle() bool {
	return len(w.jobs) == 0
}

// Alive reports whether the worker loop is still running.
func (w *Worker) Alive() bool {
	return atomic.LoadInt32(&w.alive) != 0
}

// Err returns the error that ended the worker loop, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop signals the worker loop to exit and waits for it to do so. It
// does not close the Session's transport; callers that own the Session
// are responsible for that.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Run is the worker loop described in spec.md §4.4: pop a job with a
// short timeout, chunk it into the session, then yield until the
// session is ready for the next one. It returns (and marks the worker
// dead) on any error the Session returns, TransportError or
// ProtocolError alike; recoverable conditions never reach it, since the
// Session logs them as warnings and returns nil.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer atomic.StoreInt32(&w.alive, 0)

	idleTicker := time.NewTicker(w.cfg.IdlePump)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case job := <-w.jobs:
			if err := w.handle(job); err != nil {
				w.fail(err)
				return
			}
		case <-idleTicker.C:
			if err := w.sess.Pump(); err != nil {
				w.fail(err)
				return
			}
		case <-time.After(w.cfg.PopTimeout):
			// No job arrived within the pop timeout; loop back around
			// to re-check ctx/stop rather than block indefinitely.
		}
	}
}

func (w *Worker) handle(job Job) error {
	if err := w.sess.ChunkNumbered(job.Opcode, job.Args, job.Payload); err != nil {
		return err
	}
	for !w.sess.Ready() {
		select {
		case <-w.stop:
			return nil
		default:
		}
		if err := w.sess.Pump(); err != nil {
			return err
		}
		time.Sleep(w.cfg.YieldInterval)
	}
	return nil
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	var te *session.TransportError
	if errors.As(err, &te) {
		w.log.WithError(err).Error("worker terminating: transport error")
	} else {
		w.log.WithError(err).Error("worker terminating: protocol error")
	}
}
