package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/turret/internal/control"
	"github.com/banshee-data/turret/internal/dispatch"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
	"github.com/banshee-data/turret/internal/version"
)

// DispatchStats is the part of the dispatcher the monitor reads.
type DispatchStats interface {
	Stats() dispatch.Stats
}

// Monitor serves the debug pages for a running turret.
type Monitor struct {
	state     *control.State
	trail     *Trail
	link      DispatchStats
	aimCenter turret.Vec2
	clock     timeutil.Clock
	started   time.Time
}

// New returns a Monitor. link may be nil when no dispatcher runs.
func New(state *control.State, trail *Trail, link DispatchStats, aimCenter turret.Vec2, clock timeutil.Clock) *Monitor {
	return &Monitor{
		state:     state,
		trail:     trail,
		link:      link,
		aimCenter: aimCenter,
		clock:     clock,
		started:   clock.Now(),
	}
}

// Status is the JSON body of /debug/turret.
type Status struct {
	Version      string            `json:"version"`
	Uptime       string            `json:"uptime"`
	Mode         string            `json:"mode"`
	Command      turret.AimCommand `json:"command"`
	TrackID      string            `json:"track_id,omitempty"`
	Tracking     bool              `json:"tracking"`
	Target       *turret.Vec2      `json:"target,omitempty"`
	Aim          *turret.Vec2      `json:"aim,omitempty"`
	Velocity     *turret.Vec2      `json:"velocity,omitempty"`
	HorizonMs    int64             `json:"horizon_ms"`
	Ticks        uint64            `json:"ticks"`
	FailedTicks  uint64            `json:"failed_ticks"`
	Observations uint64            `json:"observations"`
	TrailLength  int               `json:"trail_length"`
	Link         *dispatch.Stats   `json:"link,omitempty"`
}

// Status builds the current status.
func (m *Monitor) Status() Status {
	snap := m.state.Snapshot()
	tel := snap.Telemetry
	st := Status{
		Version:      version.String(),
		Uptime:       m.clock.Since(m.started).Round(time.Second).String(),
		Mode:         tel.Mode.String(),
		Command:      snap.Command,
		TrackID:      tel.Track.TrackID,
		Tracking:     tel.Track.Initialized,
		HorizonMs:    tel.Horizon.Milliseconds(),
		Ticks:        snap.Ticks,
		FailedTicks:  snap.FailedTicks,
		Observations: snap.Observations,
		TrailLength:  m.trail.Len(),
	}
	if tel.Track.Initialized {
		pos, vel := tel.Track.Position, tel.Track.Velocity
		st.Target, st.Velocity = &pos, &vel
	}
	if tel.HasProjection {
		aim := tel.Projection
		st.Aim = &aim
	}
	if m.link != nil {
		ls := m.link.Stats()
		st.Link = &ls
	}
	return st
}

// AttachAdminRoutes mounts the turret pages on the tsweb debug index at
// /debug/. They are reachable only from loopback or the tailnet.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KVFunc("Turret mode", func() any { return m.state.Snapshot().Telemetry.Mode.String() })
	debug.KVFunc("Aim command", func() any {
		cmd, _ := m.state.Command()
		return cmd.String()
	})
	if m.link != nil {
		debug.KVFunc("Serial link", func() any {
			s := m.link.Stats()
			return s.State.String()
		})
	}

	debug.HandleFunc("turret", "Turret control status (JSON)", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m.Status()); err != nil {
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	})

	debug.HandleFunc("turret-trail", "Recent target, aim point and servo trace", m.handleTrailChart)
}
