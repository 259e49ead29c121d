package mode

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turret/internal/estimator"
	"github.com/banshee-data/turret/internal/turret"
)

func tracking(cfg Config, offset turret.Vec2) estimator.Estimate {
	p := cfg.AimCenter.Add(offset)
	return estimator.Estimate{
		Track:         turret.TrackState{TrackID: "t1", Position: p, Initialized: true},
		Projection:    p,
		HasProjection: true,
	}
}

var noTrack = estimator.Estimate{}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, turret.Range{Min: 0, Max: 300}, cfg.Bounds.Pan)
	assert.Equal(t, turret.Range{Min: 0, Max: 90}, cfg.Bounds.Tilt)
	assert.Equal(t, turret.Vec2{X: 155, Y: 185}, cfg.AimCenter)
	assert.Equal(t, 10.0, cfg.Tolerance)
	assert.Equal(t, 2, cfg.TrackStep)
	assert.Equal(t, 20, cfg.TrackingPanMargin)
	assert.Equal(t, 3*time.Second, cfg.PauseDwell)
}

func TestNewMachineClampsStart(t *testing.T) {
	m := NewMachine(DefaultConfig(), turret.AimCommand{Pan: -40, Tilt: 400, Fire: true, TurnHint: turret.TurnHitLeftXBound})
	assert.Equal(t, turret.AimCommand{Pan: 0, Tilt: 90}, m.Command())
	assert.Equal(t, Scanning, m.Mode())
	assert.Equal(t, 1, m.Scan().Direction)
}

func TestTrackingWithinToleranceFires(t *testing.T) {
	cfg := DefaultConfig()
	offsets := []turret.Vec2{
		{},
		{X: 10, Y: -10},
		{X: -10, Y: 10},
		{X: 3.5, Y: 9.99},
	}
	for _, off := range offsets {
		m := NewMachine(cfg, turret.AimCommand{Pan: 150, Tilt: 45})
		d := m.Step(tracking(cfg, off))
		assert.Equal(t, Tracking, d.Mode, "offset %+v", off)
		assert.True(t, d.Command.Fire, "offset %+v", off)
		assert.Equal(t, 150, d.Command.Pan, "no pan motion inside tolerance")
		assert.Equal(t, 45, d.Command.Tilt, "no tilt motion inside tolerance")
		assert.Zero(t, d.Dwell)
	}
}

func TestTrackingOutsideToleranceStepsBothAxes(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMachine(cfg, turret.AimCommand{Pan: 150, Tilt: 45})

	d := m.Step(tracking(cfg, turret.Vec2{X: 50, Y: 40}))
	assert.False(t, d.Command.Fire)
	assert.Equal(t, 150+cfg.PanSign*cfg.TrackStep, d.Command.Pan)
	assert.Equal(t, 45+cfg.TiltSign*cfg.TrackStep, d.Command.Tilt)
	assert.Equal(t, turret.Vec2{X: 50, Y: 40}, d.AimError)

	d = m.Step(tracking(cfg, turret.Vec2{X: -50, Y: -40}))
	assert.Equal(t, 150, d.Command.Pan)
	assert.Equal(t, 45, d.Command.Tilt)
}

func TestTrackingAxesAreIndependent(t *testing.T) {
	cfg := DefaultConfig()

	m := NewMachine(cfg, turret.AimCommand{Pan: 150, Tilt: 45})
	d := m.Step(tracking(cfg, turret.Vec2{X: 2, Y: 30}))
	assert.Equal(t, 150, d.Command.Pan)
	assert.Equal(t, 45+cfg.TiltSign*cfg.TrackStep, d.Command.Tilt)
	assert.False(t, d.Command.Fire, "one axis out of tolerance suppresses fire")

	m = NewMachine(cfg, turret.AimCommand{Pan: 150, Tilt: 45})
	d = m.Step(tracking(cfg, turret.Vec2{X: -30, Y: 0}))
	assert.Equal(t, 150-cfg.PanSign*cfg.TrackStep, d.Command.Pan)
	assert.Equal(t, 45, d.Command.Tilt)
	assert.False(t, d.Command.Fire)
}

func TestTrackingBoundHitSetsHintAndPauses(t *testing.T) {
	cfg := DefaultConfig()
	// with the default negative signs a positive x error lowers pan and a
	// negative y error raises tilt
	tests := []struct {
		name   string
		start  turret.AimCommand
		offset turret.Vec2
		want   turret.AimCommand
	}{
		{
			name:   "pan below tracking margin",
			start:  turret.AimCommand{Pan: 21, Tilt: 45},
			offset: turret.Vec2{X: 50},
			want:   turret.AimCommand{Pan: 20, Tilt: 45, TurnHint: turret.TurnHitLeftXBound},
		},
		{
			name:   "pan above tracking margin",
			start:  turret.AimCommand{Pan: 279, Tilt: 45},
			offset: turret.Vec2{X: -50},
			want:   turret.AimCommand{Pan: 280, Tilt: 45, TurnHint: turret.TurnHitRightXBound},
		},
		{
			name:   "tilt above max",
			start:  turret.AimCommand{Pan: 150, Tilt: 89},
			offset: turret.Vec2{Y: -50},
			want:   turret.AimCommand{Pan: 150, Tilt: 90, Roam: true, TurnHint: turret.TurnHitUpperYBound},
		},
		{
			name:   "tilt below min",
			start:  turret.AimCommand{Pan: 150, Tilt: 1},
			offset: turret.Vec2{Y: 50},
			want:   turret.AimCommand{Pan: 150, Tilt: 0, Roam: true, TurnHint: turret.TurnHitLowerYBound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(cfg, tt.start)
			d := m.Step(tracking(cfg, tt.offset))
			if diff := cmp.Diff(tt.want, d.Command); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, Pausing, d.Mode)
			assert.Equal(t, cfg.PauseDwell, d.Dwell)
			assert.True(t, cfg.Bounds.Pan.Contains(d.Command.Pan))
			assert.True(t, cfg.Bounds.Tilt.Contains(d.Command.Tilt))
		})
	}
}

func TestTrackingFromOutsideMarginMovesInward(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMachine(cfg, turret.AimCommand{Pan: 0, Tilt: 0})

	// negative x error raises pan, back toward the tracking range
	d := m.Step(tracking(cfg, turret.Vec2{X: -55, Y: -85}))
	assert.Equal(t, Tracking, d.Mode)
	assert.Equal(t, turret.TurnNone, d.Command.TurnHint)
	assert.Equal(t, 2, d.Command.Pan)
	assert.Equal(t, 2, d.Command.Tilt)
}

func TestPauseIsOneShot(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMachine(cfg, turret.AimCommand{Pan: 150, Tilt: 89})
	d := m.Step(tracking(cfg, turret.Vec2{Y: -50}))
	require.Equal(t, Pausing, d.Mode)
	require.True(t, d.Command.Roam)

	t.Run("reacquired target resumes tracking", func(t *testing.T) {
		m := *m
		d := m.Step(tracking(cfg, turret.Vec2{Y: 50}))
		assert.Equal(t, Tracking, d.Mode)
		assert.Zero(t, d.Dwell)
		assert.False(t, d.Command.Roam)
		assert.Equal(t, turret.TurnNone, d.Command.TurnHint)
	})

	t.Run("lost target scans", func(t *testing.T) {
		m := *m
		d := m.Step(noTrack)
		assert.Equal(t, Scanning, d.Mode)
		assert.False(t, d.Command.Roam)
		assert.Equal(t, turret.TurnNone, d.Command.TurnHint)
		assert.False(t, d.Command.Fire)
	})
}

// runSweep ticks an untracked machine until it pauses and returns every
// command on the way.
func runSweep(t *testing.T, cfg Config) ([]turret.AimCommand, *Machine) {
	t.Helper()
	m := NewMachine(cfg, turret.AimCommand{Pan: cfg.Bounds.Pan.Min, Tilt: cfg.Bounds.Tilt.Min})
	var cmds []turret.AimCommand
	for i := 0; i < 100000; i++ {
		d := m.Step(noTrack)
		cmds = append(cmds, d.Command)
		assert.False(t, d.Command.Fire, "scanning never fires")
		if d.Mode == Pausing {
			return cmds, m
		}
		require.Equal(t, Scanning, d.Mode)
	}
	t.Fatal("sweep never completed")
	return nil, nil
}

func TestScanSweepIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	a, _ := runSweep(t, cfg)
	b, _ := runSweep(t, cfg)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("sweep differs between runs (-first +second):\n%s", diff)
	}

	// 4 rows of 100 pan steps plus one reversal tick per row
	assert.Len(t, a, 404)
}

func TestScanSweepShape(t *testing.T) {
	cfg := DefaultConfig()
	cmds, _ := runSweep(t, cfg)

	prev := turret.AimCommand{Pan: cfg.Bounds.Pan.Min, Tilt: cfg.Bounds.Tilt.Min}
	dir := 1
	for i, c := range cmds[:len(cmds)-1] {
		switch {
		case c.Tilt != prev.Tilt:
			// reversal tick: pan holds at the edge, tilt advances
			assert.Equal(t, prev.Pan, c.Pan, "tick %d", i)
			assert.Equal(t, min(prev.Tilt+cfg.ScanTiltStep, cfg.Bounds.Tilt.Max), c.Tilt, "tick %d", i)
			dir = -dir
		case dir > 0:
			assert.Greater(t, c.Pan, prev.Pan, "tick %d pan must increase", i)
		default:
			assert.Less(t, c.Pan, prev.Pan, "tick %d pan must decrease", i)
		}
		prev = c
	}

	last := cmds[len(cmds)-1]
	assert.Equal(t, cfg.Bounds.Tilt.Min, last.Tilt, "completed sweep resets tilt")
	assert.True(t, last.Roam)
}

func TestScanSweepTiltIncrements(t *testing.T) {
	tests := []struct {
		tiltMin, tiltMax, step int
	}{
		{0, 90, 30},
		{0, 100, 30},
		{10, 80, 7},
		{0, 5, 30},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Bounds.Tilt = turret.Range{Min: tt.tiltMin, Max: tt.tiltMax}
		cfg.ScanTiltStep = tt.step

		_, m := runSweep(t, cfg)
		want := int(math.Ceil(float64(tt.tiltMax-tt.tiltMin) / float64(tt.step)))
		scan := m.Scan()
		assert.True(t, scan.HasCompletedSweep)
		assert.Equal(t, want, scan.TiltIncrements, "tilt %d..%d step %d", tt.tiltMin, tt.tiltMax, tt.step)
	}
}

func TestSweepRestartsAfterPause(t *testing.T) {
	cfg := DefaultConfig()
	cmds, m := runSweep(t, cfg)
	paused := cmds[len(cmds)-1]

	d := m.Step(noTrack)
	assert.Equal(t, Scanning, d.Mode)
	assert.False(t, d.Command.Roam)
	assert.False(t, m.Scan().HasCompletedSweep)
	assert.Zero(t, m.Scan().TiltIncrements)
	assert.Equal(t, paused.Tilt, d.Command.Tilt)
	assert.NotEqual(t, paused.Pan, d.Command.Pan)
}

func TestLosingTrackScansFromCurrentPose(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMachine(cfg, turret.AimCommand{Pan: 100, Tilt: 30})
	m.Step(tracking(cfg, turret.Vec2{X: 40}))
	require.Equal(t, Tracking, m.Mode())
	pose := m.Command()

	d := m.Step(noTrack)
	assert.Equal(t, Scanning, d.Mode)
	assert.Equal(t, pose.Tilt, d.Command.Tilt)
	assert.Equal(t, pose.Pan+m.Scan().Direction*cfg.ScanPanStep, d.Command.Pan)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "tracking", Tracking.String())
	assert.Equal(t, "scanning", Scanning.String())
	assert.Equal(t, "pausing", Pausing.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
}
