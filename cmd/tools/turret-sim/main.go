// Command turret-sim runs the control core against a simulated target on a
// mock clock and writes PNG traces of what the turret did.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/control"
	"github.com/banshee-data/turret/internal/detect"
	"github.com/banshee-data/turret/internal/dispatch"
	"github.com/banshee-data/turret/internal/estimator"
	"github.com/banshee-data/turret/internal/link"
	"github.com/banshee-data/turret/internal/mode"
	"github.com/banshee-data/turret/internal/monitor"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
	"github.com/banshee-data/turret/internal/wire"
)

var (
	configPath = flag.String("config", "", "Path to turret JSON config (defaults when empty)")
	duration   = flag.Duration("duration", time.Minute, "Simulated run length")
	outDir     = flag.String("out", "turret-sim-plots", "Directory for PNG output")
	pathKind   = flag.String("path", "lissajous", "Target path: lissajous or linear")
	noise      = flag.Float64("noise", 1.5, "Detection jitter stddev in pixels")
	visible    = flag.Duration("visible", 20*time.Second, "Visible stretch; 0 keeps the target always visible")
	hidden     = flag.Duration("hidden", 5*time.Second, "Hidden stretch between visible ones")
	frame      = flag.Duration("frame", 66*time.Millisecond, "Detection frame period")
	seed       = flag.Uint64("seed", 1, "Noise seed")
	verbose    = flag.Bool("v", false, "Print diag and trace streams")
)

// truthRecorder keeps every control sample next to the true target position
// at the same instant.
type truthRecorder struct {
	sim     *detect.SimulatedSource
	samples []control.Sample
	truth   []monitor.Truth
}

func (r *truthRecorder) Record(s control.Sample) {
	pos, vis := r.sim.Truth(s.At)
	if s.Observed != nil {
		p := *s.Observed
		s.Observed = &p
	}
	r.samples = append(r.samples, s)
	r.truth = append(r.truth, monitor.Truth{Position: pos, Visible: vis})
}

func main() {
	flag.Parse()
	if *frame <= 0 || *duration <= 0 {
		log.Fatal("frame and duration must be positive")
	}

	cfg := config.DefaultTurretConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTurretConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	writers := monitoring.LogWriters{Ops: os.Stderr}
	if *verbose {
		writers.Diag, writers.Trace = os.Stderr, os.Stdout
	}
	monitoring.SetLogWriters(writers)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	state := control.NewState()

	modeCfg := mode.ConfigFromTurret(cfg)
	path, err := targetPath(*pathKind, modeCfg.AimCenter)
	if err != nil {
		log.Fatal(err)
	}
	sim := detect.NewSimulatedSource(detect.SimConfig{
		Path:        path,
		FramePeriod: *frame,
		Latency:     cfg.GetAvgCaptureLatency(),
		Noise:       *noise,
		VisibleFor:  *visible,
		HiddenFor:   *hidden,
		Seed:        *seed,
	}, state, clock)

	rec := &truthRecorder{sim: sim}
	machine := mode.NewMachine(modeCfg, mode.StartCommand(cfg, modeCfg.Bounds))
	loop := control.NewLoop(state, estimator.New(estimator.ConfigFromTurret(cfg), clock), machine, clock,
		cfg.GetControlPeriod(), control.WithRecorder(rec))

	codec, err := wire.ForName(cfg.GetWireFormat())
	if err != nil {
		log.Fatal(err)
	}
	port := link.NewTestableSerialPort()
	port.Discard = true
	dispatcher := dispatch.New(dispatch.ConfigFromTurret(cfg), link.NewMockPortOpener(port), codec, state, clock)
	defer dispatcher.Close()

	run(context.Background(), clock, start.Add(*duration), sim, loop, dispatcher, *frame, cfg.GetControlPeriod(), cfg.GetDispatchPeriod())

	report(rec, modeCfg, dispatcher.Stats())

	plotter, err := monitor.NewPlotter(*outDir, modeCfg.AimCenter)
	if err != nil {
		log.Fatalf("failed to create plotter: %v", err)
	}
	files, err := plotter.GeneratePlots(rec.samples, rec.truth)
	if err != nil {
		log.Fatalf("failed to write plots: %v", err)
	}
	for _, f := range files {
		fmt.Printf("wrote %s\n", f)
	}
}

func targetPath(kind string, center turret.Vec2) (detect.Path, error) {
	switch kind {
	case "lissajous":
		return detect.Lissajous(center, 200, 120, 12*time.Second), nil
	case "linear":
		return detect.Linear(center.Add(turret.Vec2{X: -120}), turret.Vec2{X: 15, Y: -2}), nil
	}
	return nil, fmt.Errorf("unknown path %q", kind)
}

// run interleaves detection frames, control ticks and dispatch ticks in
// simulated time. A control tick that enters Pausing advances the clock by
// the dwell; frames and dispatch ticks missed meanwhile are collapsed.
func run(ctx context.Context, clock *timeutil.MockClock, end time.Time, sim *detect.SimulatedSource,
	loop *control.Loop, d *dispatch.Dispatcher, framePeriod, controlPeriod, dispatchPeriod time.Duration) {
	now := clock.Now()
	nextFrame, nextControl, nextDispatch := now, now.Add(controlPeriod), now

	for {
		next := nextFrame
		if nextControl.Before(next) {
			next = nextControl
		}
		if nextDispatch.Before(next) {
			next = nextDispatch
		}
		if next.After(end) {
			return
		}
		if next.After(clock.Now()) {
			clock.Set(next)
		}

		switch {
		case next.Equal(nextFrame):
			sim.Emit(clock.Now())
			nextFrame = nextFrame.Add(framePeriod)
		case next.Equal(nextControl):
			_ = loop.Step(ctx)
			nextControl = clock.Now().Add(controlPeriod)
		default:
			d.Tick(ctx)
			nextDispatch = nextDispatch.Add(dispatchPeriod)
		}

		for nextFrame.Before(clock.Now()) {
			nextFrame = nextFrame.Add(framePeriod)
		}
		for nextDispatch.Before(clock.Now()) {
			nextDispatch = nextDispatch.Add(dispatchPeriod)
		}
	}
}

func report(rec *truthRecorder, cfg mode.Config, stats dispatch.Stats) {
	var ticks, tracking, visibleTicks, firing int
	var sumErr float64
	for i, s := range rec.samples {
		ticks++
		if rec.truth[i].Visible {
			visibleTicks++
		}
		if s.Mode == mode.Tracking {
			tracking++
			sumErr += math.Hypot(s.AimError.X, s.AimError.Y)
		}
		if s.Command.Fire {
			firing++
		}
	}
	meanErr := 0.0
	if tracking > 0 {
		meanErr = sumErr / float64(tracking)
	}
	fmt.Printf("ticks=%d visible=%d tracking=%d firing=%d mean_aim_error=%.1fpx tolerance=%.0fpx\n",
		ticks, visibleTicks, tracking, firing, meanErr, cfg.Tolerance)
	fmt.Printf("link: sent=%d skipped=%d reconnects=%d\n", stats.Sent, stats.Skipped, stats.Reconnects)
}
