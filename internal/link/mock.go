package link

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements Port with configurable behaviour for tests
// and the --dev mode. It records writes, can inject errors and latency, and
// can hold writes until released so queued bytes stay outstanding.
type TestableSerialPort struct {
	mu sync.Mutex

	// WriteBuffer captures data written to the port unless Discard is set.
	WriteBuffer *bytes.Buffer

	// Discard drops written bytes instead of buffering them.
	Discard bool

	// WriteLatency adds a delay to each Write call.
	WriteLatency time.Duration

	// WriteError is returned by the next Write call if set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	// Closed indicates whether Close was called.
	Closed bool

	// WriteCalls records the number of Write calls.
	WriteCalls int

	// BytesWritten counts bytes accepted, including discarded ones.
	BytesWritten int

	// OnWrite, if set, sees every accepted frame.
	OnWrite func([]byte)

	gate     chan struct{}
	closedCh chan struct{}
}

// NewTestableSerialPort creates a new TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		WriteBuffer: bytes.NewBuffer(nil),
		closedCh:    make(chan struct{}),
	}
}

// Hold makes every following Write block until Release or Close.
func (t *TestableSerialPort) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate == nil {
		t.gate = make(chan struct{})
	}
}

// Release unblocks held writers and stops holding.
func (t *TestableSerialPort) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

// Write records p, optionally simulating latency, errors and a held link.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++
	gate, latency := t.gate, t.WriteLatency
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-t.closedCh:
		}
	}
	if latency > 0 {
		time.Sleep(latency)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	t.BytesWritten += len(p)
	if t.OnWrite != nil {
		t.OnWrite(p)
	}
	if t.Discard {
		return len(p), nil
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes held writers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Closed {
		t.Closed = true
		close(t.closedCh)
	}
	return t.CloseError
}

// SetWriteError arms a one-shot write error.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// GetWrittenData returns a copy of everything written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// MockPortOpener implements Opener for tests. Each Open returns the next
// port from Ports, or the last one once the list is exhausted.
type MockPortOpener struct {
	mu sync.Mutex

	// Ports are handed out in order.
	Ports []Port

	// Error is returned by Open if set.
	Error error

	// OpenCalls records all Open calls.
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockPortOpener creates a MockPortOpener handing out ports.
func NewMockPortOpener(ports ...Port) *MockPortOpener {
	return &MockPortOpener{Ports: ports}
}

// Open returns the next configured port or the configured error.
func (f *MockPortOpener) Open(path string, opts PortOptions) (Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Ports) == 0 {
		return nil, errors.New("mock opener: no ports configured")
	}
	port := f.Ports[0]
	if len(f.Ports) > 1 {
		f.Ports = f.Ports[1:]
	}
	return port, nil
}

// SetError sets or clears the error returned by Open.
func (f *MockPortOpener) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Error = err
}

// Calls returns the number of Open calls so far.
func (f *MockPortOpener) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.OpenCalls)
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockPortOpener) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	c := f.OpenCalls[len(f.OpenCalls)-1]
	return &c
}
