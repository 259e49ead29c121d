package detect

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

// Listener accepts connections from the vision process and reads
// detections from one connection at a time. A dropped connection is not
// fatal; the vision process is expected to reconnect.
type Listener struct {
	ln    net.Listener
	pub   Publisher
	clock timeutil.Clock
}

// Listen opens a TCP listener on addr.
func Listen(addr string, pub Publisher, clock timeutil.Clock) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("detect: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, pub: pub, clock: clock}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run serves connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	monitoring.Opsf("detect: waiting for detections on %s", l.ln.Addr())
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("detect: accept: %w", err)
		}

		monitoring.Diagf("detect: vision client %s connected", conn.RemoteAddr())
		src := NewLineSource(conn.RemoteAddr().String(), conn, l.pub, l.clock)
		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		err = src.Run(connCtx)
		cancel()
		l.pub.ClearObservation()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSourceClosed) {
			monitoring.Diagf("detect: vision client %s disconnected after %d lines", conn.RemoteAddr(), src.Lines())
		} else {
			monitoring.Opsf("detect: vision client %s: %v", conn.RemoteAddr(), err)
		}
	}
}
