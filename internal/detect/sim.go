package detect

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
)

// Path gives the true target position t after the simulation started.
type Path func(t time.Duration) turret.Vec2

// Lissajous returns a path sweeping a w×h box centred on c.
func Lissajous(c turret.Vec2, w, h float64, period time.Duration) Path {
	return func(t time.Duration) turret.Vec2 {
		phase := 2 * math.Pi * t.Seconds() / period.Seconds()
		return turret.Vec2{
			X: c.X + w/2*math.Sin(phase),
			Y: c.Y + h/2*math.Sin(2*phase+math.Pi/4),
		}
	}
}

// Linear returns a constant velocity path from p0.
func Linear(p0, v turret.Vec2) Path {
	return func(t time.Duration) turret.Vec2 {
		return p0.Add(v.Scale(t.Seconds()))
	}
}

// SimConfig describes a simulated detector.
type SimConfig struct {
	Path        Path
	FramePeriod time.Duration // time between detections
	Latency     time.Duration // capture to arrival
	Noise       float64       // stddev of pixel jitter
	VisibleFor  time.Duration // visible stretch; 0 means always visible
	HiddenFor   time.Duration // hidden stretch between visible ones
	Seed        uint64
}

// SimulatedSource stands in for the vision pipeline in --dev mode and in
// the offline simulator. Each detection reports where the target was
// Latency ago, as the real pipeline does.
type SimulatedSource struct {
	cfg   SimConfig
	pub   Publisher
	clock timeutil.Clock
	rng   *rand.Rand

	start   time.Time
	visible bool
}

// NewSimulatedSource returns a simulated detector.
func NewSimulatedSource(cfg SimConfig, pub Publisher, clock timeutil.Clock) *SimulatedSource {
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = 66 * time.Millisecond
	}
	return &SimulatedSource{
		cfg:   cfg,
		pub:   pub,
		clock: clock,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Truth returns the true target position at now, and whether it is visible.
func (s *SimulatedSource) Truth(now time.Time) (turret.Vec2, bool) {
	if s.start.IsZero() {
		s.start = now
	}
	t := now.Sub(s.start)
	return s.cfg.Path(t), s.visibleAt(t)
}

func (s *SimulatedSource) visibleAt(t time.Duration) bool {
	if s.cfg.VisibleFor <= 0 {
		return true
	}
	cycle := s.cfg.VisibleFor + s.cfg.HiddenFor
	return t%cycle < s.cfg.VisibleFor
}

// Emit publishes one detection for now. It is what Run calls every frame
// and lets the offline simulator drive the source tick by tick.
func (s *SimulatedSource) Emit(now time.Time) {
	if s.start.IsZero() {
		s.start = now
	}
	captured := now.Add(-s.cfg.Latency).Sub(s.start)
	if captured < 0 {
		return
	}
	visible := s.visibleAt(captured)
	if visible != s.visible {
		s.visible = visible
		monitoring.Diagf("detect sim: target visible=%t", visible)
	}
	if !visible {
		s.pub.ClearObservation()
		return
	}

	pos := s.cfg.Path(captured)
	if s.cfg.Noise > 0 {
		pos.X += s.rng.NormFloat64() * s.cfg.Noise
		pos.Y += s.rng.NormFloat64() * s.cfg.Noise
	}
	s.pub.PublishObservation(turret.Observation{Position: pos, ArrivalTime: now})
}

// Run emits a detection every frame period until ctx is cancelled.
func (s *SimulatedSource) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.FramePeriod)
	defer ticker.Stop()
	monitoring.Opsf("detect sim: emitting every %s with %s latency", s.cfg.FramePeriod, s.cfg.Latency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Emit(s.clock.Now())
		}
	}
}
