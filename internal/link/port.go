// Package link owns the serial connection to the turret firmware: port
// options, opening real or mock ports, and a buffered writer that reports
// how many bytes are still waiting to go out.
package link

import (
	"errors"
	"io"
	"os"
	"syscall"

	"go.bug.st/serial"
)

var (
	// ErrNotConnected is returned when a write is attempted with no open port.
	ErrNotConnected = errors.New("link: not connected")
	// ErrLinkBroken wraps the write error that broke a BufferedPort.
	ErrLinkBroken = errors.New("link: broken")
	// ErrBufferFull is returned when the outbound queue cannot take another frame.
	ErrBufferFull = errors.New("link: outbound buffer full")
	// ErrWriteTimeout means queued bytes stopped draining to the device.
	ErrWriteTimeout = errors.New("link: write timeout")
)

// Port is the minimal interface needed for a serial endpoint. It lets tests
// run without real hardware.
type Port interface {
	io.Writer
	io.Closer
}

// Opener opens a port at path.
type Opener interface {
	Open(path string, opts PortOptions) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string, opts PortOptions) (Port, error)

func (f OpenerFunc) Open(path string, opts PortOptions) (Port, error) { return f(path, opts) }

// SerialOpener opens real serial devices with go.bug.st/serial.
type SerialOpener struct{}

func (SerialOpener) Open(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// IsConnectionError reports whether err means the link itself is gone and
// the port should be reopened. Anything else is a per-frame problem.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var portErr *serial.PortError
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrLinkBroken),
		errors.Is(err, ErrWriteTimeout),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENXIO),
		errors.Is(err, syscall.ENODEV),
		errors.As(err, &portErr):
		return true
	}
	return false
}
