// Package control holds the state shared between the detection source, the
// control loop and the dispatcher, and runs the estimator and mode machine
// on the control tick.
package control

import (
	"sync"
	"time"

	"github.com/banshee-data/turret/internal/mode"
	"github.com/banshee-data/turret/internal/turret"
)

// Telemetry is what the control loop reports about its last tick.
type Telemetry struct {
	At            time.Time
	Mode          mode.Mode
	Track         turret.TrackState
	Projection    turret.Vec2
	HasProjection bool
	Horizon       time.Duration
	AimError      turret.Vec2
	Dwell         time.Duration
}

// Snapshot is a copy of the shared state taken under the lock.
type Snapshot struct {
	Observation    turret.Observation
	HasObservation bool
	Command        turret.AimCommand
	HasCommand     bool
	Telemetry      Telemetry
	Ticks          uint64
	FailedTicks    uint64
	Observations   uint64
}

// State is the single shared region. The detection source owns the
// observation slot, the control loop owns the command and telemetry, and
// everyone else reads copies. No method blocks while holding the lock.
type State struct {
	mu sync.Mutex

	obs    turret.Observation
	hasObs bool
	nObs   uint64

	cmd    turret.AimCommand
	hasCmd bool

	tel         Telemetry
	ticks       uint64
	failedTicks uint64
}

// NewState returns an empty State.
func NewState() *State {
	return &State{}
}

// PublishObservation replaces the latest observation. An unconsumed older
// one is overwritten, never queued.
func (s *State) PublishObservation(obs turret.Observation) {
	s.mu.Lock()
	s.obs, s.hasObs = obs, true
	s.nObs++
	s.mu.Unlock()
}

// ClearObservation drops any unconsumed observation.
func (s *State) ClearObservation() {
	s.mu.Lock()
	s.obs, s.hasObs = turret.Observation{}, false
	s.mu.Unlock()
}

// TakeObservation returns the latest observation, if any, and empties the
// slot so each observation is folded in once.
func (s *State) TakeObservation() (turret.Observation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.obs, s.hasObs
	s.obs, s.hasObs = turret.Observation{}, false
	return obs, ok
}

// PublishCommand stores the command the dispatcher sends next.
func (s *State) PublishCommand(cmd turret.AimCommand) {
	s.mu.Lock()
	s.cmd, s.hasCmd = cmd, true
	s.mu.Unlock()
}

// Command returns the latest command and whether one has been published.
func (s *State) Command() (turret.AimCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd, s.hasCmd
}

func (s *State) publishTick(cmd turret.AimCommand, tel Telemetry) {
	s.mu.Lock()
	s.cmd, s.hasCmd = cmd, true
	s.tel = tel
	s.ticks++
	s.mu.Unlock()
}

func (s *State) recordFailure() {
	s.mu.Lock()
	s.failedTicks++
	s.mu.Unlock()
}

// Snapshot copies the whole region.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Observation:    s.obs,
		HasObservation: s.hasObs,
		Command:        s.cmd,
		HasCommand:     s.hasCmd,
		Telemetry:      s.tel,
		Ticks:          s.ticks,
		FailedTicks:    s.failedTicks,
		Observations:   s.nObs,
	}
}
