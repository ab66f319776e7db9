package transport

// NullTransport is always ready and discards every write. It backs the
// dry-run "virtual session" mode, where a Session drives its protocol
// state machine (line numbers, chunking) without ever touching a real
// controller.
type NullTransport struct{}

func (NullTransport) InWaiting() (int, error)        { return 0, nil }
func (NullTransport) OutWaiting() (int, error)       { return 0, nil }
func (NullTransport) ReadAvailable() ([]byte, error) { return nil, nil }
func (NullTransport) Write(p []byte) (int, error)    { return len(p), nil }
func (NullTransport) ResetOutput() error             { return nil }
func (NullTransport) Close() error                   { return nil }
