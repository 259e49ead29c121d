// Package dispatch pushes the current aim command to the turret on a fixed
// tick over a slow, unreliable serial link.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/link"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
	"github.com/banshee-data/turret/internal/wire"
)

// Config holds the dispatcher parameters.
type Config struct {
	Path    string
	Options link.PortOptions

	Period           time.Duration // send tick
	ReconnectBackoff time.Duration // wait after a failure before reopening

	// BackpressureFrames is the number of unsent frames tolerated before a
	// tick is skipped.
	BackpressureFrames int
	EscalateAfter      int

	// WriteTimeout is how long the link may stay congested before it is
	// treated as dead and reopened.
	WriteTimeout time.Duration
}

// DefaultWriteTimeout matches the serial timeout of the turret firmware bridge.
const DefaultWriteTimeout = time.Second

// ConfigFromTurret builds a Config from a loaded TurretConfig.
func ConfigFromTurret(cfg *config.TurretConfig) Config {
	return Config{
		Path:               cfg.GetSerialPort(),
		Options:            link.OptionsFromTurret(cfg),
		Period:             cfg.GetDispatchPeriod(),
		ReconnectBackoff:   cfg.GetReconnectBackoff(),
		BackpressureFrames: cfg.GetBackpressureFrames(),
		EscalateAfter:      cfg.GetEscalateAfterFailures(),
		WriteTimeout:       cfg.GetWriteTimeout(),
	}
}

// CommandSource supplies the latest published command. ok is false until
// the first command exists.
type CommandSource interface {
	Command() (cmd turret.AimCommand, ok bool)
}

// LinkState describes the serial connection.
type LinkState int

const (
	Disconnected LinkState = iota
	Connected
	BackingOff
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case BackingOff:
		return "backing-off"
	}
	return fmt.Sprintf("link(%d)", int(s))
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	State           LinkState
	Sent            uint64
	Skipped         uint64
	Reconnects      uint64
	ConnectFailures uint64
	WriteErrors     uint64
	Outstanding     int
	Threshold       int
	LastSent        turret.AimCommand
	LastSentAt      time.Time
	LastError       string
}

// Dispatcher owns the serial link. Tick and Run must not be called
// concurrently; Stats is safe from any goroutine.
type Dispatcher struct {
	cfg    Config
	opener link.Opener
	codec  wire.Codec
	src    CommandSource
	clock  timeutil.Clock
	streak *monitoring.FailureStreak

	port        *link.BufferedPort
	nextAttempt time.Time
	everOpened  bool
	congested   bool
	stalledAt   time.Time // when the current congestion began

	mu    sync.Mutex
	stats Stats
}

// New returns a dispatcher. The port is opened on the first tick.
func New(cfg Config, opener link.Opener, codec wire.Codec, src CommandSource, clock timeutil.Clock) *Dispatcher {
	if cfg.BackpressureFrames <= 0 {
		cfg.BackpressureFrames = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		opener: opener,
		codec:  codec,
		src:    src,
		clock:  clock,
		streak: monitoring.NewFailureStreak("dispatch", cfg.EscalateAfter),
	}
	d.stats.Threshold = d.threshold()
	return d
}

func (d *Dispatcher) threshold() int {
	return d.cfg.BackpressureFrames * d.codec.FrameLen()
}

// Run ticks until ctx is cancelled, then closes the link.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.Period)
	defer ticker.Stop()
	defer d.Close()

	monitoring.Opsf("dispatch: sending %s frames to %s (%s) every %s", d.codec.Name(), d.cfg.Path, d.cfg.Options, d.cfg.Period)
	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			d.Tick(ctx)
		}
	}
}

// Tick performs one dispatch attempt: reconnect if due, then send the
// current command unless the link is congested. It never panics.
func (d *Dispatcher) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if d.port == nil && !d.connect() {
		return
	}

	cmd, ok := d.src.Command()
	if !ok {
		return
	}

	outstanding := d.port.Outstanding()
	if outstanding >= d.threshold() {
		d.skip(outstanding)
		return
	}
	if d.congested {
		d.congested = false
		monitoring.Diagf("dispatch: link drained (%d bytes outstanding)", outstanding)
	}

	frame, err := d.codec.Encode(cmd)
	if err != nil {
		d.writeError(fmt.Errorf("encode %s: %w", cmd, err))
		return
	}
	if _, err := d.port.Write(frame); err != nil {
		d.writeError(err)
		return
	}

	d.streak.Succeed()
	now := d.clock.Now()
	d.update(func(s *Stats) {
		s.Sent++
		s.LastSent = cmd
		s.LastSentAt = now
		s.Outstanding = d.port.Outstanding()
	})
	monitoring.Tracef("dispatch: sent %s (%d bytes outstanding)", cmd, outstanding+len(frame))
}

func (d *Dispatcher) connect() bool {
	now := d.clock.Now()
	if now.Before(d.nextAttempt) {
		return false
	}

	port, err := link.Dial(d.opener, d.cfg.Path, d.cfg.Options, 0)
	if err != nil {
		d.nextAttempt = now.Add(d.cfg.ReconnectBackoff)
		monitoring.Diagf("dispatch: %v; retrying in %s", err, d.cfg.ReconnectBackoff)
		d.streak.Fail(err)
		d.update(func(s *Stats) {
			s.State = BackingOff
			s.ConnectFailures++
			s.LastError = err.Error()
		})
		return false
	}

	d.port = port
	reconnect := d.everOpened
	d.everOpened = true
	d.congested = false
	monitoring.Opsf("dispatch: connected to %s", d.cfg.Path)
	d.update(func(s *Stats) {
		s.State = Connected
		s.Outstanding = 0
		if reconnect {
			s.Reconnects++
		}
	})
	return true
}

func (d *Dispatcher) skip(outstanding int) {
	now := d.clock.Now()
	if !d.congested {
		d.congested = true
		d.stalledAt = now
		monitoring.Opsf("WARNING dispatch: link congested, %d bytes outstanding (threshold %d); skipping sends", outstanding, d.threshold())
	} else {
		monitoring.Diagf("dispatch: skipped tick, %d bytes outstanding", outstanding)
	}
	d.update(func(s *Stats) {
		s.Skipped++
		s.Outstanding = outstanding
	})

	// go.bug.st/serial has no write deadline, so a stalled device only
	// shows up as occupancy that never drains.
	if stalled := now.Sub(d.stalledAt); stalled >= d.cfg.WriteTimeout {
		d.writeError(fmt.Errorf("%w: %d bytes outstanding for %s", link.ErrWriteTimeout, outstanding, stalled))
	}
}

func (d *Dispatcher) writeError(err error) {
	d.update(func(s *Stats) {
		s.WriteErrors++
		s.LastError = err.Error()
	})
	if link.IsConnectionError(err) {
		monitoring.Opsf("dispatch: link lost: %v; reconnecting in %s", err, d.cfg.ReconnectBackoff)
		d.disconnect()
		d.nextAttempt = d.clock.Now().Add(d.cfg.ReconnectBackoff)
		d.update(func(s *Stats) { s.State = BackingOff })
	}
	d.streak.Fail(err)
}

func (d *Dispatcher) fail(err error) {
	d.update(func(s *Stats) { s.LastError = err.Error() })
	d.streak.Fail(err)
}

func (d *Dispatcher) disconnect() {
	if d.port == nil {
		return
	}
	if err := d.port.Close(); err != nil && !errors.Is(err, link.ErrNotConnected) {
		monitoring.Diagf("dispatch: close: %v", err)
	}
	d.port = nil
}

// Close shuts the link. The dispatcher reconnects on the next Tick.
func (d *Dispatcher) Close() error {
	d.disconnect()
	d.update(func(s *Stats) {
		s.State = Disconnected
		s.Outstanding = 0
	})
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) update(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
