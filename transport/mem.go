package transport

import "sync"

// MemTransport is a deterministic in-memory Transport for tests: writes
// are recorded verbatim, and reads are served from a scripted queue of
// byte slices fed in with Feed. in_waiting/out_waiting are exact, not
// estimated, since there is no real wire underneath.
type MemTransport struct {
	mu        sync.Mutex
	writes    [][]byte
	pending   []byte
	outBudget int // bytes considered "in flight"; set via SetOutBudgetUsed, zeroed by ResetOutput
	closed    bool
}

// NewMemTransport returns an empty MemTransport.
func NewMemTransport() *MemTransport {
	return &MemTransport{}
}

// Feed appends data to the transport's scripted read queue, as if the
// controller had sent it.
func (m *MemTransport) Feed(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, data...)
}

// Writes returns every byte slice passed to Write so far, in order.
func (m *MemTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// WrittenBytes concatenates every recorded Write call into one slice.
func (m *MemTransport) WrittenBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, w := range m.writes {
		out = append(out, w...)
	}
	return out
}

// SetOutBudgetUsed lets a test simulate a transport whose write buffer is
// already partially full.
func (m *MemTransport) SetOutBudgetUsed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outBudget = n
}

func (m *MemTransport) InWaiting() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func (m *MemTransport) OutWaiting() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outBudget, nil
}

func (m *MemTransport) ReadAvailable() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out, nil
}

func (m *MemTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

func (m *MemTransport) ResetOutput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outBudget = 0
	return nil
}

func (m *MemTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (m *MemTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
