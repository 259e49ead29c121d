package estimator

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const tick = 100 * time.Millisecond

func newTestEstimator(t *testing.T, mutate func(*Config)) (*Estimator, *timeutil.MockClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := timeutil.NewMockClock(epoch)
	return New(cfg, clock), clock
}

func obsAt(clock *timeutil.MockClock, x, y float64) *turret.Observation {
	return &turret.Observation{Position: turret.Vec2{X: x, Y: y}, ArrivalTime: clock.Now()}
}

func TestUninitializedShortCircuits(t *testing.T) {
	est, clock := newTestEstimator(t, nil)

	for i := 0; i < 5; i++ {
		out := est.Step(nil)
		assert.False(t, out.Track.Initialized)
		assert.False(t, out.HasProjection)
		assert.Zero(t, out.Projection)
		clock.Advance(tick)
	}

	_, ok := est.Project(time.Second)
	assert.False(t, ok)
	assert.False(t, est.Initialized())
}

func TestFirstObservationSeedsPosition(t *testing.T) {
	est, clock := newTestEstimator(t, nil)

	out := est.Step(obsAt(clock, 100, 120))
	require.True(t, out.Acquired)
	require.True(t, out.Track.Initialized)
	assert.Equal(t, turret.Vec2{X: 100, Y: 120}, out.Track.Position)
	assert.Equal(t, turret.Vec2{}, out.Track.Velocity)
	assert.NotEmpty(t, out.Track.TrackID)

	// zero velocity means the projection sits on the seed
	require.True(t, out.HasProjection)
	assert.InDelta(t, 100, out.Projection.X, 1e-9)
	assert.InDelta(t, 120, out.Projection.Y, 1e-9)
	assert.Equal(t, DefaultConfig().AvgCaptureLatency, out.Horizon)
}

func TestLossTimeout(t *testing.T) {
	est, clock := newTestEstimator(t, nil)
	est.Step(obsAt(clock, 50, 50))

	lostAt := time.Duration(-1)
	for elapsed := tick; elapsed <= 3*time.Second; elapsed += tick {
		clock.Advance(tick)
		out := est.Step(nil)
		if out.Lost {
			require.Equal(t, time.Duration(-1), lostAt, "track lost twice")
			lostAt = elapsed
			assert.False(t, out.Track.Initialized)
			assert.False(t, out.HasProjection)
		}
		if elapsed <= 2*time.Second {
			require.True(t, out.Track.Initialized, "track dropped early at %s", elapsed)
		}
	}

	require.NotEqual(t, time.Duration(-1), lostAt, "track never lost")
	assert.InDelta(t, (2 * time.Second).Seconds(), lostAt.Seconds(), tick.Seconds()+1e-9)
}

func TestLatencyCompensationLeadsByVelocityTimesHorizon(t *testing.T) {
	cases := []struct {
		vx, vy     float64
		latency    time.Duration
		processing time.Duration
	}{
		{vx: 40, vy: 0, latency: 200 * time.Millisecond},
		{vx: -25, vy: 15, latency: 350 * time.Millisecond},
		{vx: 0, vy: -60, latency: 100 * time.Millisecond, processing: 50 * time.Millisecond},
		{vx: 80, vy: 80, latency: 500 * time.Millisecond, processing: 120 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("v=(%.0f,%.0f) latency=%s processing=%s", tc.vx, tc.vy, tc.latency, tc.processing), func(t *testing.T) {
			est, clock := newTestEstimator(t, func(c *Config) { c.AvgCaptureLatency = tc.latency })

			var out Estimate
			for i := 0; i < 150; i++ {
				ts := float64(i) * tick.Seconds()
				obs := &turret.Observation{
					Position:    turret.Vec2{X: 100 + tc.vx*ts, Y: 100 + tc.vy*ts},
					ArrivalTime: clock.Now().Add(-tc.processing),
				}
				out = est.Step(obs)
				if i < 149 {
					clock.Advance(tick)
				}
			}

			require.True(t, out.HasProjection)
			horizon := tc.latency + tc.processing
			assert.Equal(t, horizon, out.Horizon)

			lead := out.Projection.Sub(out.Track.Position)
			want := turret.Vec2{X: tc.vx, Y: tc.vy}.Scale(horizon.Seconds())
			tol := 0.05*math.Hypot(want.X, want.Y) + 0.25
			assert.InDelta(t, want.X, lead.X, tol, "lead x")
			assert.InDelta(t, want.Y, lead.Y, tol, "lead y")
		})
	}
}

func TestProjectionDoesNotMutateState(t *testing.T) {
	est, clock := newTestEstimator(t, nil)
	est.Step(obsAt(clock, 100, 100))
	clock.Advance(tick)
	est.Step(obsAt(clock, 104, 98))

	before := est.State()
	p1, ok := est.Project(2 * time.Second)
	require.True(t, ok)
	p2, _ := est.Project(2 * time.Second)
	after := est.State()

	assert.Equal(t, before, after)
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, before.Position, p1, "moving target must project ahead")
}

func TestPredictDtIsClamped(t *testing.T) {
	est, clock := newTestEstimator(t, nil)
	est.Step(obsAt(clock, 10, 10))

	clock.Advance(10 * time.Second)
	out := est.Step(obsAt(clock, 12, 10))
	assert.Equal(t, DefaultConfig().MaxPredictDt, out.Dt)
	assert.True(t, out.Track.Initialized, "an observation in the same tick keeps the track")
}

func TestCorrectionPullsTowardMeasurement(t *testing.T) {
	est, clock := newTestEstimator(t, nil)
	est.Step(obsAt(clock, 100, 100))
	clock.Advance(tick)

	out := est.Step(obsAt(clock, 120, 80))
	assert.Greater(t, out.Track.Position.X, 100.0)
	assert.Less(t, out.Track.Position.X, 120.0+1e-9)
	assert.Less(t, out.Track.Position.Y, 100.0)
	assert.Greater(t, out.Track.Velocity.X, 0.0)
	assert.Less(t, out.Track.Velocity.Y, 0.0)
}

func TestReacquireIssuesNewTrackID(t *testing.T) {
	est, clock := newTestEstimator(t, func(c *Config) { c.LossTimeout = 300 * time.Millisecond })
	first := est.Step(obsAt(clock, 10, 10)).Track.TrackID

	for i := 0; i < 5; i++ {
		clock.Advance(tick)
		est.Step(nil)
	}
	require.False(t, est.Initialized())

	clock.Advance(tick)
	second := est.Step(obsAt(clock, 30, 30))
	require.True(t, second.Acquired)
	assert.NotEqual(t, first, second.Track.TrackID)
}

func TestReset(t *testing.T) {
	est, clock := newTestEstimator(t, nil)
	est.Step(obsAt(clock, 10, 10))
	est.Reset()

	assert.False(t, est.Initialized())
	assert.Equal(t, turret.TrackState{}, est.State())
	clock.Advance(time.Minute)
	assert.Zero(t, est.Step(nil).Dt, "reset forgets the previous tick")
}

func TestZeroArrivalTimeUsesNow(t *testing.T) {
	est, clock := newTestEstimator(t, nil)
	out := est.Step(&turret.Observation{Position: turret.Vec2{X: 1, Y: 2}})
	assert.Equal(t, clock.Now(), out.Track.LastSeen)
	assert.Equal(t, DefaultConfig().AvgCaptureLatency, out.Horizon)
}
