// Package mode decides each control tick whether the turret is tracking a
// target, sweeping a search pattern, or pausing, and computes the aim
// command for that tick.
package mode

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/estimator"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/turret"
)

// Mode is the state of the machine after a tick.
type Mode int

const (
	Scanning Mode = iota
	Tracking
	Pausing
)

func (m Mode) String() string {
	switch m {
	case Scanning:
		return "scanning"
	case Tracking:
		return "tracking"
	case Pausing:
		return "pausing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Config holds the aiming and search parameters.
type Config struct {
	Bounds    turret.Bounds
	AimCenter turret.Vec2 // image point the laser is calibrated to
	Tolerance float64     // on-target band in pixels, inclusive

	TrackStep         int // servo counts per tick while tracking
	PanSign           int // servo direction for a positive x error
	TiltSign          int // servo direction for a positive y error
	TrackingPanMargin int // pan limits are inset by this much while tracking

	ScanPanStep  int
	ScanTiltStep int
	PauseDwell   time.Duration
}

// DefaultConfig returns the mode configuration built from the built-in
// turret defaults.
func DefaultConfig() Config {
	return ConfigFromTurret(config.EmptyTurretConfig())
}

// ConfigFromTurret builds a Config from a loaded TurretConfig.
func ConfigFromTurret(cfg *config.TurretConfig) Config {
	return Config{
		Bounds: turret.Bounds{
			Pan:  turret.Range{Min: cfg.GetPanMin(), Max: cfg.GetPanMax()},
			Tilt: turret.Range{Min: cfg.GetTiltMin(), Max: cfg.GetTiltMax()},
		},
		AimCenter:         turret.Vec2{X: cfg.GetAimCenterX(), Y: cfg.GetAimCenterY()},
		Tolerance:         cfg.GetAimTolerance(),
		TrackStep:         cfg.GetTrackStep(),
		PanSign:           cfg.GetPanSign(),
		TiltSign:          cfg.GetTiltSign(),
		TrackingPanMargin: cfg.GetTrackingPanMargin(),
		ScanPanStep:       cfg.GetScanPanStep(),
		ScanTiltStep:      cfg.GetScanTiltStep(),
		PauseDwell:        cfg.GetPauseDwell(),
	}
}

// StartCommand returns the initial pose from the config, clamped.
func StartCommand(cfg *config.TurretConfig, bounds turret.Bounds) turret.AimCommand {
	return bounds.Clamp(turret.AimCommand{Pan: cfg.GetStartPan(), Tilt: cfg.GetStartTilt()})
}

// ScanState carries the sweep across ticks.
type ScanState struct {
	Direction         int // +1 sweeping toward pan max, -1 toward pan min
	HasCompletedSweep bool
	TiltIncrements    int // tilt advances since the sweep started
}

// Decision is the outcome of one tick.
type Decision struct {
	Command turret.AimCommand
	Mode    Mode

	// Dwell is non-zero when the tick entered Pausing. The caller publishes
	// Command and then holds the loop for Dwell before the next tick.
	Dwell time.Duration

	// AimError is projection minus aim center while tracking.
	AimError turret.Vec2
}

// Machine is the Tracking / Scanning / Pausing state machine. It is owned
// by the control loop and not safe for concurrent use.
type Machine struct {
	cfg  Config
	cmd  turret.AimCommand
	mode Mode
	scan ScanState
}

// NewMachine returns a machine holding start, in Scanning mode, sweeping
// toward pan max.
func NewMachine(cfg Config, start turret.AimCommand) *Machine {
	start = cfg.Bounds.Clamp(start)
	start.Fire = false
	start.TurnHint = turret.TurnNone
	return &Machine{
		cfg:  cfg,
		cmd:  start,
		mode: Scanning,
		scan: ScanState{Direction: 1},
	}
}

// Mode returns the mode chosen on the last tick.
func (m *Machine) Mode() Mode { return m.mode }

// Scan returns a copy of the sweep state.
func (m *Machine) Scan() ScanState { return m.scan }

// Command returns the last computed command.
func (m *Machine) Command() turret.AimCommand { return m.cmd }

// Step computes the command for this tick from the estimator output.
func (m *Machine) Step(est estimator.Estimate) Decision {
	prev := m.mode

	// A completed pause leaves roam and the turn hint behind; both are
	// one-shot signals tied to the dwell.
	m.cmd.Roam = false
	m.cmd.TurnHint = turret.TurnNone
	if prev == Pausing && m.scan.HasCompletedSweep {
		// a fresh sweep starts after the post-sweep pause
		m.scan.HasCompletedSweep = false
		m.scan.TiltIncrements = 0
	}

	var d Decision
	if est.Track.Initialized && est.HasProjection {
		d = m.track(est.Projection)
	} else {
		d = m.sweep()
	}

	m.cmd = m.cfg.Bounds.Clamp(d.Command)
	d.Command = m.cmd
	m.mode = d.Mode

	if m.mode != prev {
		monitoring.Diagf("mode: %s -> %s (%s)", prev, m.mode, m.cmd)
	}
	return d
}

func (m *Machine) track(target turret.Vec2) Decision {
	aimErr := target.Sub(m.cfg.AimCenter)
	cmd := m.cmd

	// Both axes are corrected in the same tick so diagonal errors converge
	// on both at once.
	var panDelta, tiltDelta int
	if math.Abs(aimErr.X) > m.cfg.Tolerance {
		panDelta = m.cfg.PanSign * sign(aimErr.X) * m.cfg.TrackStep
	}
	if math.Abs(aimErr.Y) > m.cfg.Tolerance {
		tiltDelta = m.cfg.TiltSign * sign(aimErr.Y) * m.cfg.TrackStep
	}

	var lowPan, highPan, lowTilt, highTilt bool
	cmd.Pan, lowPan, highPan = stepAxis(cmd.Pan, panDelta, m.cfg.Bounds.Pan.Inset(m.cfg.TrackingPanMargin))
	cmd.Tilt, lowTilt, highTilt = stepAxis(cmd.Tilt, tiltDelta, m.cfg.Bounds.Tilt)

	cmd.Fire = math.Abs(aimErr.X) <= m.cfg.Tolerance && math.Abs(aimErr.Y) <= m.cfg.Tolerance

	switch {
	case lowPan:
		cmd.TurnHint = turret.TurnHitLeftXBound
	case highPan:
		cmd.TurnHint = turret.TurnHitRightXBound
	case lowTilt:
		cmd.TurnHint = turret.TurnHitLowerYBound
		cmd.Roam = true
	case highTilt:
		cmd.TurnHint = turret.TurnHitUpperYBound
		cmd.Roam = true
	}

	if cmd.TurnHint != turret.TurnNone {
		cmd.Fire = false
		monitoring.Diagf("mode: tracking hit bound %s, pausing %s", cmd.TurnHint, m.cfg.PauseDwell)
		return Decision{Command: cmd, Mode: Pausing, Dwell: m.cfg.PauseDwell, AimError: aimErr}
	}
	return Decision{Command: cmd, Mode: Tracking, AimError: aimErr}
}

func (m *Machine) sweep() Decision {
	cmd := m.cmd
	cmd.Fire = false
	if m.scan.Direction == 0 {
		m.scan.Direction = 1
	}

	pan, tilt := m.cfg.Bounds.Pan, m.cfg.Bounds.Tilt
	atEdge := (m.scan.Direction > 0 && cmd.Pan >= pan.Max) || (m.scan.Direction < 0 && cmd.Pan <= pan.Min)
	if !atEdge {
		cmd.Pan = pan.Clamp(cmd.Pan + m.scan.Direction*m.cfg.ScanPanStep)
		return Decision{Command: cmd, Mode: Scanning}
	}

	m.scan.Direction = -m.scan.Direction
	if cmd.Tilt >= tilt.Max {
		cmd.Tilt = tilt.Min
		cmd.Roam = true
		m.scan.HasCompletedSweep = true
		monitoring.Diagf("mode: sweep complete after %d tilt steps, pausing %s", m.scan.TiltIncrements, m.cfg.PauseDwell)
		return Decision{Command: cmd, Mode: Pausing, Dwell: m.cfg.PauseDwell}
	}
	cmd.Tilt = min(cmd.Tilt+m.cfg.ScanTiltStep, tilt.Max)
	m.scan.TiltIncrements++
	return Decision{Command: cmd, Mode: Scanning}
}

// stepAxis moves cur by delta within r. A move that would leave r through
// one end stops at that end (or holds, if already outside) and reports which
// end was hit. Moves back toward the range are never blocked.
func stepAxis(cur, delta int, r turret.Range) (next int, hitLow, hitHigh bool) {
	next = cur + delta
	switch {
	case delta < 0 && next < r.Min:
		if cur >= r.Min {
			next = r.Min
		} else {
			next = cur
		}
		return next, true, false
	case delta > 0 && next > r.Max:
		if cur <= r.Max {
			next = r.Max
		} else {
			next = cur
		}
		return next, false, true
	}
	return next, false, false
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
