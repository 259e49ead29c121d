package link

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestBufferedPort_WritesReachDevice(t *testing.T) {
	port := NewTestableSerialPort()
	b := NewBufferedPort(port, 0)

	for i := 0; i < 3; i++ {
		n, err := b.Write([]byte{byte(i), 0xAA})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	require.Eventually(t, func() bool { return b.Outstanding() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0, 0xAA, 1, 0xAA, 2, 0xAA}, port.GetWrittenData())
	require.NoError(t, b.Close())
	assert.True(t, port.IsClosed())
}

func TestBufferedPort_OutstandingWhileHeld(t *testing.T) {
	port := NewTestableSerialPort()
	port.Hold()
	b := NewBufferedPort(port, 0)
	defer b.Close()

	frame := make([]byte, 9)
	for i := 1; i <= 4; i++ {
		_, err := b.Write(frame)
		require.NoError(t, err)
		assert.Equal(t, 9*i, b.Outstanding())
	}

	port.Release()
	require.Eventually(t, func() bool { return b.Outstanding() == 0 }, time.Second, time.Millisecond)
	assert.Len(t, port.GetWrittenData(), 36)
}

func TestBufferedPort_CopiesCallerBuffer(t *testing.T) {
	port := NewTestableSerialPort()
	port.Hold()
	b := NewBufferedPort(port, 0)
	defer b.Close()

	buf := []byte("abc")
	_, err := b.Write(buf)
	require.NoError(t, err)
	copy(buf, "xyz")

	port.Release()
	require.Eventually(t, func() bool { return b.Outstanding() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "abc", string(port.GetWrittenData()))
}

func TestBufferedPort_QueueFull(t *testing.T) {
	port := NewTestableSerialPort()
	port.Hold()
	b := NewBufferedPort(port, 2)
	defer b.Close()

	// the writer goroutine may already hold the first frame, so at most
	// queue+1 writes succeed
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		_, err = b.Write([]byte{1})
	}
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.False(t, IsConnectionError(err))
}

func TestBufferedPort_BreaksOnWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.SetWriteError(syscall.EIO)
	b := NewBufferedPort(port, 0)
	defer b.Close()

	_, err := b.Write([]byte{1})
	require.NoError(t, err, "the error surfaces asynchronously")

	require.Eventually(t, func() bool { return b.Err() != nil }, time.Second, time.Millisecond)
	_, err = b.Write([]byte{2})
	assert.ErrorIs(t, err, ErrLinkBroken)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.True(t, IsConnectionError(err))
	assert.Zero(t, b.Outstanding())
}

func TestBufferedPort_CloseUnblocksHeldWriter(t *testing.T) {
	port := NewTestableSerialPort()
	port.Hold()
	b := NewBufferedPort(port, 0)

	_, err := b.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a held write")
	}

	_, err = b.Write([]byte{4})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, b.Close(), "second close is a no-op")
}

func TestDial(t *testing.T) {
	port := NewTestableSerialPort()
	opener := NewMockPortOpener(port)

	b, err := Dial(opener, "/dev/rfcomm0", PortOptions{BaudRate: 9600}, 0)
	require.NoError(t, err)
	defer b.Close()
	require.NotNil(t, opener.LastCall())
	assert.Equal(t, "/dev/rfcomm0", opener.LastCall().Path)
	assert.Equal(t, 9600, opener.LastCall().Opts.BaudRate)

	opener.SetError(errors.New("no such device"))
	_, err = Dial(opener, "/dev/rfcomm0", PortOptions{}, 0)
	assert.ErrorContains(t, err, "open /dev/rfcomm0")
	assert.Equal(t, 2, opener.Calls())
}

func TestMockPortOpener_HandsOutPortsInOrder(t *testing.T) {
	a, b := NewTestableSerialPort(), NewTestableSerialPort()
	opener := NewMockPortOpener(a, b)

	for _, want := range []Port{a, b, b} {
		got, err := opener.Open("p", PortOptions{})
		require.NoError(t, err)
		assert.Same(t, want, got)
	}

	_, err := NewMockPortOpener().Open("p", PortOptions{})
	assert.Error(t, err)
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotConnected, true},
		{fmt.Errorf("%w: %w", ErrLinkBroken, errors.New("x")), true},
		{os.ErrClosed, true},
		{io.ErrClosedPipe, true},
		{fmt.Errorf("write: %w", syscall.EIO), true},
		{&serial.PortError{}, true},
		{fmt.Errorf("%w: 36 bytes outstanding", ErrWriteTimeout), true},
		{ErrBufferFull, false},
		{errors.New("encode failed"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsConnectionError(tt.err), "%v", tt.err)
	}
}
