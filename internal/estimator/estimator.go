// Package estimator turns irregular, stale target observations into a
// continuously available position/velocity estimate, plus a forward
// projection that compensates for capture and processing latency.
package estimator

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
)

// Config holds the estimator parameters. It is immutable once the estimator
// is constructed.
type Config struct {
	AvgCaptureLatency time.Duration // frame capture to arrival, added to every projection
	MaxPredictDt      time.Duration // upper clamp on a single predict step
	LossTimeout       time.Duration // no accepted observation for longer than this drops the track

	MeasurementNoise  float64 // R diagonal (px²)
	ProcessNoisePos   float64 // Q position diagonal, per second
	ProcessNoiseVel   float64 // Q velocity diagonal, per second
	InitialCovariance float64 // P diagonal at seed
}

// DefaultConfig returns the estimator configuration built from the
// built-in turret defaults.
func DefaultConfig() Config {
	return ConfigFromTurret(config.EmptyTurretConfig())
}

// ConfigFromTurret builds a Config from a loaded TurretConfig.
func ConfigFromTurret(cfg *config.TurretConfig) Config {
	return Config{
		AvgCaptureLatency: cfg.GetAvgCaptureLatency(),
		MaxPredictDt:      cfg.GetMaxPredictDt(),
		LossTimeout:       cfg.GetLossTimeout(),
		MeasurementNoise:  cfg.GetMeasurementNoise(),
		ProcessNoisePos:   cfg.GetProcessNoisePos(),
		ProcessNoiseVel:   cfg.GetProcessNoiseVel(),
		InitialCovariance: cfg.GetInitialCovariance(),
	}
}

// Estimate is the result of one estimator tick.
type Estimate struct {
	// Track is the retained "now" belief after predict and correct.
	Track turret.TrackState

	// Projection is the disposable aim point extrapolated by Horizon. It is
	// only meaningful when HasProjection is true.
	Projection    turret.Vec2
	HasProjection bool
	Horizon       time.Duration

	Observed bool // an observation was folded in this tick
	Acquired bool // the track was seeded this tick
	Lost     bool // the track was dropped by the loss timeout this tick
	Dt       time.Duration
}

// Estimator is a constant-velocity Kalman filter over [x, y, vx, vy].
// It is not safe for concurrent use; the control loop owns it.
type Estimator struct {
	cfg   Config
	clock timeutil.Clock

	x *mat.VecDense // state [x, y, vx, vy]
	p *mat.Dense    // covariance 4x4
	h *mat.Dense    // measurement model, picks position
	r *mat.Dense    // measurement noise 2x2

	initialized bool
	trackID     string
	lastSeen    time.Time
	lastTick    time.Time
}

// New creates an uninitialized estimator.
func New(cfg Config, clock timeutil.Clock) *Estimator {
	e := &Estimator{
		cfg:   cfg,
		clock: clock,
		x:     mat.NewVecDense(4, nil),
		p:     mat.NewDense(4, 4, nil),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
		r: mat.NewDense(2, 2, []float64{
			cfg.MeasurementNoise, 0,
			0, cfg.MeasurementNoise,
		}),
	}
	return e
}

// transition returns F for a constant velocity step of dt seconds:
//
//	F = [1  0  dt  0 ]
//	    [0  1  0   dt]
//	    [0  0  1   0 ]
//	    [0  0  0   1 ]
func transition(dt float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Step advances the filter to the clock's now, folds in obs when non-nil and
// produces the latency-compensated projection.
func (e *Estimator) Step(obs *turret.Observation) Estimate {
	now := e.clock.Now()

	var dt time.Duration
	if !e.lastTick.IsZero() {
		dt = now.Sub(e.lastTick)
	}
	if dt < 0 {
		dt = 0
	}
	if dt > e.cfg.MaxPredictDt {
		dt = e.cfg.MaxPredictDt
	}
	e.lastTick = now

	out := Estimate{Dt: dt}

	if e.initialized {
		e.predict(dt.Seconds())
	}

	if obs != nil {
		seen := obs.ArrivalTime
		if seen.IsZero() {
			seen = now
		}
		if !e.initialized {
			e.seed(obs.Position)
			out.Acquired = true
			monitoring.Diagf("estimator: acquired track %s at (%.1f, %.1f)", e.trackID, obs.Position.X, obs.Position.Y)
		} else {
			e.correct(obs.Position)
		}
		e.lastSeen = seen
		out.Observed = true
	}

	if e.initialized && !isFinite(e.x) {
		monitoring.Opsf("estimator: non-finite state on track %s, dropping", e.trackID)
		e.drop()
		out.Lost = true
	}

	if e.initialized && obs == nil && now.Sub(e.lastSeen) > e.cfg.LossTimeout {
		monitoring.Diagf("estimator: lost track %s after %s without observations", e.trackID, now.Sub(e.lastSeen))
		e.drop()
		out.Lost = true
	}

	out.Track = e.State()
	if !e.initialized {
		return out
	}

	horizon := e.cfg.AvgCaptureLatency
	if obs != nil && !obs.ArrivalTime.IsZero() {
		if processing := now.Sub(obs.ArrivalTime); processing > 0 {
			horizon += processing
		}
	}
	out.Horizon = horizon
	out.Projection, out.HasProjection = e.Project(horizon)
	return out
}

// Project extrapolates the retained state by horizon without mutating it.
// It reports false when no track is held.
func (e *Estimator) Project(horizon time.Duration) (turret.Vec2, bool) {
	if !e.initialized {
		return turret.Vec2{}, false
	}
	var future mat.VecDense
	future.MulVec(transition(horizon.Seconds()), e.x)
	return turret.Vec2{X: future.AtVec(0), Y: future.AtVec(1)}, true
}

// State returns a copy of the retained track belief.
func (e *Estimator) State() turret.TrackState {
	if !e.initialized {
		return turret.TrackState{LastSeen: e.lastSeen}
	}
	return turret.TrackState{
		TrackID:     e.trackID,
		Position:    turret.Vec2{X: e.x.AtVec(0), Y: e.x.AtVec(1)},
		Velocity:    turret.Vec2{X: e.x.AtVec(2), Y: e.x.AtVec(3)},
		Initialized: true,
		LastSeen:    e.lastSeen,
	}
}

// Initialized reports whether a track is currently held.
func (e *Estimator) Initialized() bool { return e.initialized }

// Reset discards the track and the tick history.
func (e *Estimator) Reset() {
	e.drop()
	e.lastTick = time.Time{}
	e.lastSeen = time.Time{}
}

func (e *Estimator) seed(pos turret.Vec2) {
	e.x.SetVec(0, pos.X)
	e.x.SetVec(1, pos.Y)
	e.x.SetVec(2, 0)
	e.x.SetVec(3, 0)
	e.p.Zero()
	for i := 0; i < 4; i++ {
		e.p.Set(i, i, e.cfg.InitialCovariance)
	}
	e.initialized = true
	e.trackID = uuid.NewString()
}

func (e *Estimator) drop() {
	e.initialized = false
	e.trackID = ""
	e.x.Zero()
	e.p.Zero()
}

// predict applies x' = F x and P' = F P F^T + Q*dt.
func (e *Estimator) predict(dt float64) {
	if dt <= 0 {
		return
	}
	f := transition(dt)

	var x mat.VecDense
	x.MulVec(f, e.x)
	e.x.CopyVec(&x)

	var fp, fpft mat.Dense
	fp.Mul(f, e.p)
	fpft.Mul(&fp, f.T())
	fpft.Set(0, 0, fpft.At(0, 0)+e.cfg.ProcessNoisePos*dt)
	fpft.Set(1, 1, fpft.At(1, 1)+e.cfg.ProcessNoisePos*dt)
	fpft.Set(2, 2, fpft.At(2, 2)+e.cfg.ProcessNoiseVel*dt)
	fpft.Set(3, 3, fpft.At(3, 3)+e.cfg.ProcessNoiseVel*dt)
	e.p.Copy(&fpft)
}

// correct folds a position measurement into the state. The measurement
// describes an earlier instant than the predicted state; folding it in
// anyway smooths detection noise.
func (e *Estimator) correct(z turret.Vec2) {
	// Innovation y = z - H x
	var hx mat.VecDense
	hx.MulVec(e.h, e.x)
	y := mat.NewVecDense(2, []float64{z.X - hx.AtVec(0), z.Y - hx.AtVec(1)})

	// S = H P H^T + R
	var hp, s mat.Dense
	hp.Mul(e.h, e.p)
	s.Mul(&hp, e.h.T())
	s.Add(&s, e.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		monitoring.Diagf("estimator: singular innovation covariance, skipping update: %v", err)
		return
	}

	// K = P H^T S^-1
	var pht, k mat.Dense
	pht.Mul(e.p, e.h.T())
	k.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, y)
	e.x.AddVec(e.x, &ky)

	// P = (I - K H) P
	var kh, ikh, p mat.Dense
	kh.Mul(&k, e.h)
	ikh.Sub(eye4(), &kh)
	p.Mul(&ikh, e.p)
	e.p.Copy(&p)
}

func eye4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func isFinite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		f := v.AtVec(i)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
