package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// SerialTransport drives a real controller over a physical or USB-CDC
// serial port, via github.com/tarm/serial.
//
// tarm/serial exposes neither a queue-depth ioctl nor a non-blocking
// peek, so in_waiting/out_waiting are approximated rather than read from
// the kernel: a background goroutine continuously drains the port into
// an in-memory FIFO (in_waiting is that FIFO's length), and out_waiting
// is a software counter that grows on Write and drains at the
// configured baud rate.
type SerialTransport struct {
	port *serial.Port

	mu     sync.Mutex
	inbuf  fifoBuffer
	rderr  error
	closed bool

	outWaiting int64 // atomic, bytes
	bytesPerMs float64

	stop chan struct{}
	done chan struct{}
}

// OpenSerial opens d.Path at d.Baud. d.ReadTimeout bounds how long the
// background reader blocks between polls.
func OpenSerial(d Descriptor) (*SerialTransport, error) {
	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	cfg := &serial.Config{
		Name:        d.Path,
		Baud:        d.Baud,
		ReadTimeout: timeout,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.Path, err)
	}

	baud := d.Baud
	if baud <= 0 {
		baud = 9600
	}
	st := &SerialTransport{
		port: port,
		// 8N1 framing: 10 bit periods per byte.
		bytesPerMs: float64(baud) / 10.0 / 1000.0,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go st.readLoop()
	go st.drainLoop()
	return st, nil
}

func (st *SerialTransport) readLoop() {
	defer close(st.done)
	buf := make([]byte, 4096)
	for {
		select {
		case <-st.stop:
			return
		default:
		}
		n, err := st.port.Read(buf)
		if n > 0 {
			st.mu.Lock()
			st.inbuf.Write(buf[:n])
			st.mu.Unlock()
		}
		if err != nil {
			st.mu.Lock()
			if st.rderr == nil {
				st.rderr = fmt.Errorf("read serial port: %w", err)
			}
			st.mu.Unlock()
			return
		}
	}
}

func (st *SerialTransport) drainLoop() {
	const tick = 5 * time.Millisecond
	t := time.NewTicker(tick)
	defer t.Stop()
	perTick := st.bytesPerMs * float64(tick/time.Millisecond)
	if perTick < 1 {
		perTick = 1
	}
	for {
		select {
		case <-st.stop:
			return
		case <-t.C:
			for {
				cur := atomic.LoadInt64(&st.outWaiting)
				if cur == 0 {
					break
				}
				next := cur - int64(perTick)
				if next < 0 {
					next = 0
				}
				if atomic.CompareAndSwapInt64(&st.outWaiting, cur, next) {
					break
				}
			}
		}
	}
}

func (st *SerialTransport) InWaiting() (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inbuf.Len(), st.rderr
}

func (st *SerialTransport) OutWaiting() (int, error) {
	return int(atomic.LoadInt64(&st.outWaiting)), nil
}

func (st *SerialTransport) ReadAvailable() ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	data := st.inbuf.PopAll()
	if len(data) == 0 && st.rderr != nil {
		return nil, st.rderr
	}
	return data, nil
}

func (st *SerialTransport) Write(p []byte) (int, error) {
	n, err := st.port.Write(p)
	if n > 0 {
		atomic.AddInt64(&st.outWaiting, int64(n))
	}
	if err != nil {
		return n, fmt.Errorf("write serial port: %w", err)
	}
	return n, nil
}

func (st *SerialTransport) ResetOutput() error {
	// tarm/serial does not expose TCFLSH; Flush() there only waits for
	// pending writes to drain rather than discarding them, so there is
	// nothing at the OS level to reset. We at least zero our own
	// estimate so a caller that gave up on a send isn't permanently
	// throttled by stale accounting.
	atomic.StoreInt64(&st.outWaiting, 0)
	return nil
}

func (st *SerialTransport) Close() error {
	st.mu.Lock()
	already := st.closed
	st.closed = true
	st.mu.Unlock()
	if already {
		return nil
	}
	close(st.stop)
	err := st.port.Close()
	<-st.done
	if err != nil {
		return fmt.Errorf("close serial port: %w", err)
	}
	return nil
}
