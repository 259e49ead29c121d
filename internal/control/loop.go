package control

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/turret/internal/estimator"
	"github.com/banshee-data/turret/internal/mode"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
)

// Sample is one control tick as seen by telemetry sinks.
type Sample struct {
	Telemetry
	Command  turret.AimCommand
	Observed *turret.Vec2
}

// Recorder receives a Sample after every completed tick.
type Recorder interface {
	Record(Sample)
}

// Loop runs the estimator and mode machine on a fixed period.
type Loop struct {
	state    *State
	est      *estimator.Estimator
	machine  *mode.Machine
	clock    timeutil.Clock
	period   time.Duration
	streak   *monitoring.FailureStreak
	recorder Recorder
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithRecorder sends every completed tick to r.
func WithRecorder(r Recorder) LoopOption {
	return func(l *Loop) { l.recorder = r }
}

// WithEscalateAfter sets how many consecutive failed ticks are tolerated
// before escalating to the ops log.
func WithEscalateAfter(n int) LoopOption {
	return func(l *Loop) { l.streak = monitoring.NewFailureStreak("control", n) }
}

// NewLoop wires a loop. The machine's current command is published at once
// so the dispatcher holds the start pose until the first tick.
func NewLoop(state *State, est *estimator.Estimator, machine *mode.Machine, clock timeutil.Clock, period time.Duration, opts ...LoopOption) *Loop {
	l := &Loop{
		state:   state,
		est:     est,
		machine: machine,
		clock:   clock,
		period:  period,
		streak:  monitoring.NewFailureStreak("control", 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	state.PublishCommand(machine.Command())
	return l
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.period)
	defer ticker.Stop()

	monitoring.Opsf("control: running every %s", l.period)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := l.Step(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Step runs one tick and, if the tick entered Pausing, holds for the dwell.
// The dwell is cut short only by ctx.
func (l *Loop) Step(ctx context.Context) error {
	d, err := l.Tick()
	if err != nil {
		l.state.recordFailure()
		l.streak.Fail(err)
		return err
	}
	l.streak.Succeed()

	if d.Dwell > 0 {
		monitoring.Diagf("control: holding %s at %s", d.Dwell, d.Command)
		if err := l.clock.Sleep(ctx, d.Dwell); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs the estimator and mode machine once and publishes the result.
// A panic inside the tick is returned as an error and nothing is published.
func (l *Loop) Tick() (d mode.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control tick panicked: %v", r)
		}
	}()

	var obsPtr *turret.Observation
	obs, ok := l.state.TakeObservation()
	if ok {
		obsPtr = &obs
	}

	est := l.est.Step(obsPtr)
	d = l.machine.Step(est)

	tel := Telemetry{
		At:            l.clock.Now(),
		Mode:          d.Mode,
		Track:         est.Track,
		Projection:    est.Projection,
		HasProjection: est.HasProjection,
		Horizon:       est.Horizon,
		AimError:      d.AimError,
		Dwell:         d.Dwell,
	}
	l.state.publishTick(d.Command, tel)

	if l.recorder != nil {
		sample := Sample{Telemetry: tel, Command: d.Command}
		if ok {
			p := obs.Position
			sample.Observed = &p
		}
		l.recorder.Record(sample)
	}

	if est.HasProjection {
		monitoring.Tracef("control: %s aim=(%.1f, %.1f) err=(%.1f, %.1f) %s",
			d.Mode, est.Projection.X, est.Projection.Y, d.AimError.X, d.AimError.Y, d.Command)
	} else {
		monitoring.Tracef("control: %s %s", d.Mode, d.Command)
	}
	return d, nil
}
