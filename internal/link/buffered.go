package link

import (
	"fmt"
	"sync"
)

// DefaultQueueFrames bounds how many frames a BufferedPort will hold before
// Write returns ErrBufferFull.
const DefaultQueueFrames = 64

// BufferedPort hands writes to a background goroutine so a slow link never
// blocks the caller, and tracks how many bytes have been accepted but not
// yet written to the device. The dispatcher reads that count as the outbound
// buffer occupancy.
//
// After the underlying port fails a write, the BufferedPort is broken: queued
// frames are discarded and every later Write returns an error wrapping
// ErrLinkBroken. Reopen by closing and dialing a new one.
type BufferedPort struct {
	port Port

	mu      sync.Mutex
	pending int
	err     error
	closed  bool
	queue   chan []byte

	done chan struct{}
}

// NewBufferedPort wraps port. queueFrames <= 0 uses DefaultQueueFrames.
func NewBufferedPort(port Port, queueFrames int) *BufferedPort {
	if queueFrames <= 0 {
		queueFrames = DefaultQueueFrames
	}
	b := &BufferedPort{
		port:  port,
		queue: make(chan []byte, queueFrames),
		done:  make(chan struct{}),
	}
	go b.writer()
	return b
}

// Dial opens path with opener and wraps the result.
func Dial(opener Opener, path string, opts PortOptions, queueFrames int) (*BufferedPort, error) {
	port, err := opener.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewBufferedPort(port, queueFrames), nil
}

// Write queues a copy of p. It never blocks on the device.
func (b *BufferedPort) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrNotConnected
	}
	if b.err != nil {
		return 0, b.err
	}

	frame := append([]byte(nil), p...)
	select {
	case b.queue <- frame:
		b.pending += len(frame)
		return len(p), nil
	default:
		return 0, ErrBufferFull
	}
}

// Outstanding returns the number of bytes accepted by Write that the device
// has not taken yet.
func (b *BufferedPort) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Err returns the error that broke the port, if any.
func (b *BufferedPort) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close closes the device and waits for the writer goroutine to exit.
func (b *BufferedPort) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	// closing the device first unblocks a writer stuck in port.Write
	err := b.port.Close()
	<-b.done
	return err
}

func (b *BufferedPort) writer() {
	defer close(b.done)
	for frame := range b.queue {
		b.mu.Lock()
		broken := b.err != nil
		b.mu.Unlock()

		var err error
		if !broken {
			var n int
			n, err = b.port.Write(frame)
			if err == nil && n != len(frame) {
				err = fmt.Errorf("short write: %d of %d bytes", n, len(frame))
			}
		}

		b.mu.Lock()
		b.pending -= len(frame)
		if err != nil && b.err == nil {
			b.err = fmt.Errorf("%w: %w", ErrLinkBroken, err)
		}
		b.mu.Unlock()
	}
}
